package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Errors returned by batch operations. Check with errors.Is.
var (
	// ErrNothingPending is returned by ClaimBatch when the queue has no
	// pending mutations.
	ErrNothingPending = errors.New("no pending mutations")

	// ErrBatchInFlight is returned by ClaimBatch when an unresolved batch
	// already exists. At most one batch may be in flight per device.
	ErrBatchInFlight = errors.New("a batch is already in flight")
)

// KeyFunc derives the deterministic payload object key for a cycle
// sequence number.
type KeyFunc func(seq int64) string

// Batch is a claimed, contiguous run of mutations plus its cycle journal.
type Batch struct {
	// Seq is the cycle sequence number, assigned at claim time.
	Seq int64

	// PayloadKey is the deterministic object key for this cycle's delta
	// payload, fixed when the batch is claimed so that crash-resume
	// retries the exact same key.
	PayloadKey string

	// PayloadUploaded is true once the payload commit completed. A
	// resumed batch with this flag set must not re-upload the payload.
	PayloadUploaded bool

	// StartedAt is when the cycle began.
	StartedAt time.Time

	// Records are the claimed mutations, FIFO by ID.
	Records []Mutation
}

// ClaimBatch atomically selects the oldest contiguous run of pending
// mutations whose serialized size is at most maxBytes, marks them
// in-flight, and journals a new cycle with the key derived by keyFn.
//
// At least one record is claimed even if it alone exceeds maxBytes; the
// delta builder owns the hard payload cap and will surface oversized
// records rather than truncate them.
//
// Returns ErrNothingPending if the queue is empty and ErrBatchInFlight if
// a previous batch has not been resolved; the at-most-one-in-flight
// guarantee lives here, not in the caller.
func (l *Log) ClaimBatch(ctx context.Context, keyFn KeyFunc, maxBytes int) (*Batch, error) {
	if keyFn == nil {
		return nil, fmt.Errorf("keyFn cannot be nil")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive (got %d)", maxBytes)
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	// Single-flight check inside the transaction.
	var inFlight int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE status = ?`,
		string(StatusInFlight),
	).Scan(&inFlight); err != nil {
		return nil, fmt.Errorf("failed to check in-flight records: %w", err)
	}
	if inFlight > 0 {
		return nil, ErrBatchInFlight
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, fields, created_at, status FROM mutations
		 WHERE status = ? ORDER BY id`,
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	pending, err := scanMutations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, ErrNothingPending
	}

	// Oldest contiguous run within the size bound. Never skip an older
	// pending record to send a newer one.
	var claimed []Mutation
	size := 0
	for _, m := range pending {
		if len(claimed) > 0 && size+m.SerializedSize() > maxBytes {
			break
		}
		size += m.SerializedSize()
		claimed = append(claimed, m)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO cycles (payload_key, started_at) VALUES ('', ?)`,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to journal cycle: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle sequence: %w", err)
	}

	key := keyFn(seq)
	if _, err := tx.ExecContext(ctx,
		`UPDATE cycles SET payload_key = ? WHERE seq = ?`, key, seq,
	); err != nil {
		return nil, fmt.Errorf("failed to set cycle payload key: %w", err)
	}

	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE mutations SET status = ?, batch_seq = ? WHERE id = ?`,
			string(StatusInFlight), seq, claimed[i].ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim mutation %d: %w", claimed[i].ID, err)
		}
		claimed[i].Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &Batch{
		Seq:        seq,
		PayloadKey: key,
		StartedAt:  now,
		Records:    claimed,
	}, nil
}

// InFlightBatch returns the unresolved batch left by a previous cycle, or
// nil if none exists. On startup the orchestrator treats such a batch as
// "request outcome unknown" and retries it under the same payload key.
func (l *Log) InFlightBatch(ctx context.Context) (*Batch, error) {
	var seq int64
	err := l.conn.QueryRowContext(ctx,
		`SELECT batch_seq FROM mutations WHERE status = ? LIMIT 1`,
		string(StatusInFlight),
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight batch: %w", err)
	}

	var key, startedAt string
	var uploaded int
	err = l.conn.QueryRowContext(ctx,
		`SELECT payload_key, payload_uploaded, started_at FROM cycles WHERE seq = ?`,
		seq,
	).Scan(&key, &uploaded, &startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle %d: %w", seq, err)
	}

	rows, err := l.conn.QueryContext(ctx,
		`SELECT id, kind, fields, created_at, status FROM mutations
		 WHERE batch_seq = ? AND status = ? ORDER BY id`,
		seq, string(StatusInFlight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %d records: %w", seq, err)
	}
	records, err := scanMutations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Seq:             seq,
		PayloadKey:      key,
		PayloadUploaded: uploaded != 0,
		Records:         records,
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		b.StartedAt = t
	}

	return b, nil
}

// MarkPayloadUploaded durably records that the cycle's payload commit
// completed. A later resume skips the upload and reuses the same key.
func (l *Log) MarkPayloadUploaded(ctx context.Context, seq int64) error {
	_, err := l.conn.ExecContext(ctx,
		`UPDATE cycles SET payload_uploaded = 1 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to mark payload uploaded for cycle %d: %w", seq, err)
	}
	return nil
}

// Commit resolves a batch: its in-flight records become committed and the
// cycle is closed with outcome "synced". Idempotent: committing an
// already-resolved or unknown batch is a no-op.
func (l *Log) Commit(ctx context.Context, seq int64) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mutations SET status = ? WHERE batch_seq = ? AND status = ?`,
		string(StatusCommitted), seq, string(StatusInFlight),
	); err != nil {
		return fmt.Errorf("failed to commit batch %d records: %w", seq, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cycles SET outcome = 'synced', finished_at = ? WHERE seq = ? AND finished_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), seq,
	); err != nil {
		return fmt.Errorf("failed to close cycle %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch %d: %w", seq, err)
	}

	return nil
}

// Requeue returns a batch's in-flight records to pending and closes the
// cycle with outcome "failed". The local queue fully reverts; nothing
// remote was changed (or what was changed is a harmless orphan payload).
//
// Idempotent and always safe to call on a non-existent or already
// resolved batch (no-op).
func (l *Log) Requeue(ctx context.Context, seq int64) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mutations SET status = ?, batch_seq = NULL WHERE batch_seq = ? AND status = ?`,
		string(StatusPending), seq, string(StatusInFlight),
	); err != nil {
		return fmt.Errorf("failed to requeue batch %d records: %w", seq, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cycles SET outcome = 'failed', finished_at = ? WHERE seq = ? AND finished_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), seq,
	); err != nil {
		return fmt.Errorf("failed to close cycle %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to requeue batch %d: %w", seq, err)
	}

	return nil
}

// MarkPending records that the cycle's payload committed but the metadata
// commit was not acknowledged. Records stay in flight so no other cycle
// can double-claim them; the cycle stays open for resumption on the next
// connectivity window.
func (l *Log) MarkPending(ctx context.Context, seq int64) error {
	_, err := l.conn.ExecContext(ctx,
		`UPDATE cycles SET outcome = 'pending' WHERE seq = ? AND finished_at IS NULL`, seq)
	if err != nil {
		return fmt.Errorf("failed to mark cycle %d pending: %w", seq, err)
	}
	return nil
}

// Shrink returns records with ID greater than lastKeptID from a claimed
// batch back to pending. The delta builder uses this when the merged
// payload exceeds the hard size cap: the kept prefix syncs now, the
// remainder follows in a later cycle.
func (l *Log) Shrink(ctx context.Context, seq, lastKeptID int64) error {
	_, err := l.conn.ExecContext(ctx,
		`UPDATE mutations SET status = ?, batch_seq = NULL
		 WHERE batch_seq = ? AND status = ? AND id > ?`,
		string(StatusPending), seq, string(StatusInFlight), lastKeptID,
	)
	if err != nil {
		return fmt.Errorf("failed to shrink batch %d: %w", seq, err)
	}
	return nil
}
