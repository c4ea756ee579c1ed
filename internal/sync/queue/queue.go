package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Status is the lifecycle state of a mutation record.
type Status string

const (
	// StatusPending means the mutation is queued and not yet claimed.
	StatusPending Status = "pending"

	// StatusInFlight means the mutation belongs to the active sync batch.
	StatusInFlight Status = "in_flight"

	// StatusCommitted means the mutation landed remotely.
	StatusCommitted Status = "committed"

	// StatusFailed means the mutation was surfaced as unprocessable
	// (corrupted fields or exhausted handling). Never silently dropped.
	StatusFailed Status = "failed"
)

// Kind tags the variant of a mutation.
type Kind string

const (
	// KindScoreUpdate carries a new last_quiz_score value.
	KindScoreUpdate Kind = "score_update"

	// KindStreakIncrement carries a new current_streak value.
	KindStreakIncrement Kind = "streak_increment"

	// KindSessionCompleted carries an updated total_sessions count.
	KindSessionCompleted Kind = "session_completed"

	// KindFlashcardReviewed carries flashcard session counters.
	KindFlashcardReviewed Kind = "flashcard_reviewed"

	// KindPayloadAttached references a spooled local artifact to upload
	// alongside the next delta payload (fields: artifact_key, local_path).
	KindPayloadAttached Kind = "payload_attached"
)

// Valid reports whether k is a recognized mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindScoreUpdate, KindStreakIncrement, KindSessionCompleted,
		KindFlashcardReviewed, KindPayloadAttached:
		return true
	}
	return false
}

// ValidationError rejects a mutation at Append time so it never enters
// the log. Non-retryable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid mutation: " + e.Reason
}

// Mutation is one queued state change.
type Mutation struct {
	// ID is the monotonically increasing local sequence number.
	// It is the ordering key: older mutations sync first.
	ID int64

	// Kind tags the mutation variant.
	Kind Kind

	// Fields maps changed field names to their new values, as JSON.
	Fields json.RawMessage

	// CreatedAt is the local wall-clock time the mutation was appended.
	CreatedAt time.Time

	// Status is the lifecycle state. Owned by the log.
	Status Status
}

// SerializedSize is the byte size this mutation contributes to a batch,
// used for the ClaimBatch size bound.
func (m *Mutation) SerializedSize() int {
	// Fields dominate; kind and framing are a small constant.
	return len(m.Fields) + len(m.Kind) + 16
}

// Log is the durable mutation log. Safe for concurrent use.
type Log struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the mutation log database at path.
//
// The database runs in WAL mode with synchronous=FULL so that Append does
// not return success until the record is safely on disk. The caller MUST
// call Close when done.
//
// Example:
//
//	log, err := queue.Open(filepath.Join(dataDir, "mutations.db"))
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	l := &Log{conn: conn, path: path}

	// WAL for concurrent producer reads during claims; FULL so a returned
	// Append is durable across power loss, not just process crash.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := l.initSchema(context.Background()); err != nil {
		_ = l.Close()
		return nil, err
	}

	return l, nil
}

// Close closes the underlying database, checkpointing the WAL first.
func (l *Log) Close() error {
	if l.conn == nil {
		return nil
	}

	if _, err := l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	l.conn = nil
	return nil
}

// initSchema creates the mutations and cycles tables. Idempotent.
func (l *Log) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON object: field name -> new value
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		batch_seq INTEGER,     -- cycle that claimed this record
		error TEXT             -- set when status = 'failed'
	);

	CREATE TABLE IF NOT EXISTS cycles (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		payload_key TEXT NOT NULL,
		payload_uploaded INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT           -- synced, pending, failed; NULL while running
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_batch ON mutations(batch_seq);
	`

	if _, err := l.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// Append validates and durably persists a new mutation.
//
// Fails with *ValidationError if fields is empty or kind is unrecognized.
// On success the record is safely stored before Append returns: no
// producer is ever told a mutation was recorded when it was not.
func (l *Log) Append(ctx context.Context, kind Kind, fields map[string]interface{}) (*Mutation, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unrecognized kind %q", kind)}
	}
	if len(fields) == 0 {
		return nil, &ValidationError{Reason: "fields cannot be empty"}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("fields not serializable: %v", err)}
	}

	now := time.Now().UTC()
	res, err := l.conn.ExecContext(ctx,
		`INSERT INTO mutations (kind, fields, created_at, status) VALUES (?, ?, ?, ?)`,
		string(kind), string(data), now.Format(time.RFC3339Nano), string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation id: %w", err)
	}

	return &Mutation{
		ID:        id,
		Kind:      kind,
		Fields:    data,
		CreatedAt: now,
		Status:    StatusPending,
	}, nil
}

// FailRecord marks a single record failed with a reason, surfacing it
// without blocking the rest of its batch. Used for corrupted records
// detected at delta-build time.
func (l *Log) FailRecord(ctx context.Context, id int64, reason string) error {
	_, err := l.conn.ExecContext(ctx,
		`UPDATE mutations SET status = ?, error = ? WHERE id = ?`,
		string(StatusFailed), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %d failed: %w", id, err)
	}
	return nil
}

// Counts reports how many mutations are in each lifecycle state.
func (l *Log) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// HasArtifact reports whether an unresolved payload_attached mutation
// already references the given local path. The spool watcher uses this to
// avoid queueing the same artifact twice across restarts.
func (l *Log) HasArtifact(ctx context.Context, localPath string) (bool, error) {
	// Exact comparison on the extracted field. A LIKE pattern would treat
	// % and _ in the path as wildcards, and underscored filenames are the
	// common case for spooled artifacts.
	var n int
	err := l.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations
		 WHERE kind = ? AND status IN (?, ?)
		   AND json_extract(fields, '$.local_path') = ?`,
		string(KindPayloadAttached), string(StatusPending), string(StatusInFlight), localPath,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check artifact queue state: %w", err)
	}
	return n > 0, nil
}

// scanMutations reads mutation rows in query order.
func scanMutations(rows *sql.Rows) ([]Mutation, error) {
	var out []Mutation

	for rows.Next() {
		var m Mutation
		var kind, fields, createdAt, status string
		if err := rows.Scan(&m.ID, &kind, &fields, &createdAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Kind = Kind(kind)
		m.Fields = json.RawMessage(fields)
		m.Status = Status(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}

		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}

	return out, nil
}
