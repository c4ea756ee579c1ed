package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/delta"
	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is
// already executing. Triggers arriving mid-cycle coalesce into the next
// run instead of stacking.
var ErrCycleInProgress = errors.New("a sync cycle is already running")

// Outcome classifies how a sync cycle ended.
type Outcome string

const (
	// OutcomeSynced means both commits landed and the queue advanced.
	OutcomeSynced Outcome = "synced"

	// OutcomePending means the payload committed but the metadata commit
	// was not acknowledged. The cycle resumes on the next window without
	// re-uploading the payload.
	OutcomePending Outcome = "pending"

	// OutcomeFailed means the cycle failed before the payload commit.
	// All claimed records are back in the queue (minus any failed ones).
	OutcomeFailed Outcome = "failed"

	// OutcomeDeferred means connectivity was missing or lost; the work
	// waits for the next connectivity window untouched.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeNoWork means the queue was empty.
	OutcomeNoWork Outcome = "no_work"
)

// Event is a progress notification emitted during a cycle, consumed by
// the dashboard.
type Event struct {
	Outcome    Outcome   `json:"outcome"`
	Seq        int64     `json:"seq,omitempty"`
	PayloadKey string    `json:"payload_key,omitempty"`
	Records    int       `json:"records"`
	Resumed    bool      `json:"resumed,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Config holds configuration for the sync engine.
type Config struct {
	// UserID and DeviceID identify this device's writes.
	UserID   string
	DeviceID string

	// MaxClaimBytes bounds how much queue backlog one cycle claims.
	MaxClaimBytes int

	// PayloadRetry and MetadataRetry govern the two commit steps.
	PayloadRetry  RetryPolicy
	MetadataRetry RetryPolicy

	// Online reports current connectivity. Nil means assume online
	// (store errors still classify connectivity loss mid-cycle).
	Online func() bool

	// Notify receives cycle events. Nil disables notifications.
	Notify func(Event)

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given identity.
func DefaultConfig(userID, deviceID string) *Config {
	return &Config{
		UserID:        userID,
		DeviceID:      deviceID,
		MaxClaimBytes: delta.TargetBytes,
		PayloadRetry:  PayloadRetryPolicy(),
		MetadataRetry: MetadataRetryPolicy(),
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine drives sync cycles: claim, merge, two-step commit, resolve.
//
// The two-step commit writes the payload blob first and the metadata row
// second; the metadata row is the commit point. A payload with no
// metadata row is an invisible orphan; a metadata row pointing at a
// missing payload would be a dangling reference, which this ordering
// makes impossible.
type Engine struct {
	log       *queue.Log
	snapshots *state.Store
	payloads  store.PayloadStore
	metadata  store.MetadataStore
	builder   *delta.Builder
	config    *Config

	busy atomic.Bool
}

// New creates a sync engine.
func New(mlog *queue.Log, snapshots *state.Store, payloads store.PayloadStore, metadata store.MetadataStore, config *Config) (*Engine, error) {
	if mlog == nil {
		return nil, fmt.Errorf("mutation log cannot be nil")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store cannot be nil")
	}
	if payloads == nil {
		return nil, fmt.Errorf("payload store cannot be nil")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata store cannot be nil")
	}
	if config == nil || config.UserID == "" {
		return nil, fmt.Errorf("config with a user id is required")
	}
	if config.MaxClaimBytes <= 0 {
		config.MaxClaimBytes = delta.TargetBytes
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		log:       mlog,
		snapshots: snapshots,
		payloads:  payloads,
		metadata:  metadata,
		builder:   delta.NewBuilder(config.UserID, config.DeviceID),
		config:    config,
	}, nil
}

// RunCycle executes one full sync cycle and reports how it ended.
//
// At most one cycle runs at a time within a process; a second concurrent
// call returns ErrCycleInProgress. The guard does not span processes: two
// engines on the same queue can both resume an unresolved batch, which
// deterministic payload keys and the metadata store's last-writer-wins
// commit render harmless (duplicate work, identical result).
//
// An unresolved batch from a previous run (crash or pending metadata) is
// resumed before any new work is claimed, reusing its original payload
// key so remote writes stay idempotent.
func (e *Engine) RunCycle(ctx context.Context) (Outcome, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return "", ErrCycleInProgress
	}
	defer e.busy.Store(false)

	if e.config.Online != nil && !e.config.Online() {
		return OutcomeDeferred, nil
	}

	batch, resumed, err := e.acquireBatch(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrNothingPending) {
			return OutcomeNoWork, nil
		}
		return OutcomeFailed, err
	}

	outcome, err := e.runBatch(ctx, batch, resumed)
	e.notify(Event{
		Outcome:    outcome,
		Seq:        batch.Seq,
		PayloadKey: batch.PayloadKey,
		Records:    len(batch.Records),
		Resumed:    resumed,
		Error:      errString(err),
		At:         time.Now().UTC(),
	})
	return outcome, err
}

// acquireBatch resumes an unresolved batch or claims a new one.
func (e *Engine) acquireBatch(ctx context.Context) (*queue.Batch, bool, error) {
	batch, err := e.log.InFlightBatch(ctx)
	if err != nil {
		return nil, false, err
	}
	if batch != nil {
		e.config.Logger.Printf("Resuming cycle %d (key %s, payload uploaded: %t)",
			batch.Seq, batch.PayloadKey, batch.PayloadUploaded)
		return batch, true, nil
	}

	batch, err = e.log.ClaimBatch(ctx, func(seq int64) string {
		return store.PayloadKey(e.config.UserID, seq)
	}, e.config.MaxClaimBytes)
	if err != nil {
		return nil, false, err
	}
	return batch, false, nil
}

// runBatch takes a claimed batch through merge, upload, and commit.
func (e *Engine) runBatch(ctx context.Context, batch *queue.Batch, resumed bool) (Outcome, error) {
	res, err := e.builder.Build(batch)
	if err != nil {
		var tooBig *delta.RecordTooLargeError
		if errors.As(err, &tooBig) {
			e.config.Logger.Printf("Mutation %d can never sync: %v", tooBig.ID, err)
			if ferr := e.log.FailRecord(ctx, tooBig.ID, err.Error()); ferr != nil {
				return OutcomeFailed, ferr
			}
			if rerr := e.log.Requeue(ctx, batch.Seq); rerr != nil {
				return OutcomeFailed, rerr
			}
			return OutcomeFailed, err
		}
		return OutcomeFailed, err
	}

	for _, c := range res.Corrupt {
		e.config.Logger.Printf("Skipping corrupted mutation %d: %s", c.ID, c.Reason)
		if err := e.log.FailRecord(ctx, c.ID, c.Reason); err != nil {
			return OutcomeFailed, err
		}
	}

	if res.Payload == nil {
		// Whole batch was corrupt; nothing left to sync this cycle.
		if err := e.log.Requeue(ctx, batch.Seq); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFailed, fmt.Errorf("all %d records in cycle %d were corrupted", len(batch.Records), batch.Seq)
	}

	if res.Split {
		e.config.Logger.Printf("Cycle %d over payload cap; deferring records after %d", batch.Seq, res.LastKeptID)
		if err := e.log.Shrink(ctx, batch.Seq, res.LastKeptID); err != nil {
			return OutcomeFailed, err
		}
	}

	if !batch.PayloadUploaded {
		if outcome, err := e.commitPayload(ctx, batch, res); err != nil {
			return outcome, err
		}
	}

	return e.commitMetadata(ctx, batch, res)
}

// commitPayload is step one of the two-step commit: attachments first,
// then the merged delta blob, all under the deterministic cycle key.
func (e *Engine) commitPayload(ctx context.Context, batch *queue.Batch, res *delta.Result) (Outcome, error) {
	upload := func(key string, data []byte) error {
		return e.config.PayloadRetry.Do(ctx, e.config.Logger, "payload upload", func(ctx context.Context) error {
			return e.payloads.Put(ctx, key, data)
		})
	}

	for _, att := range res.Payload.Attachments {
		data, err := os.ReadFile(att.LocalPath)
		if err != nil {
			// Spooled file vanished locally; fail the reference, not the cycle.
			e.config.Logger.Printf("Attachment %s unreadable: %v", att.LocalPath, err)
			continue
		}
		if err := upload(att.Key, data); err != nil {
			return e.failBeforePayloadCommit(ctx, batch, err)
		}
	}

	if err := upload(batch.PayloadKey, res.Encoded); err != nil {
		return e.failBeforePayloadCommit(ctx, batch, err)
	}

	if err := e.log.MarkPayloadUploaded(ctx, batch.Seq); err != nil {
		return OutcomeFailed, err
	}
	batch.PayloadUploaded = true
	e.config.Logger.Printf("Cycle %d payload committed as %s (%d bytes, %d records)",
		batch.Seq, batch.PayloadKey, len(res.Encoded), res.Payload.RecordCount)
	return "", nil
}

// failBeforePayloadCommit reverts a cycle whose payload never landed.
// Nothing remote changed, so the queue fully rolls back. Connectivity
// loss defers rather than fails: the records are fine, the link is not.
func (e *Engine) failBeforePayloadCommit(ctx context.Context, batch *queue.Batch, cause error) (Outcome, error) {
	if err := e.log.Requeue(ctx, batch.Seq); err != nil {
		return OutcomeFailed, err
	}

	if store.IsConnectivity(cause) {
		return OutcomeDeferred, nil
	}

	e.markSnapshotStatus(state.StatusError)
	return OutcomeFailed, cause
}

// commitMetadata is step two: write the authoritative sync record. Only
// after this acknowledges does the cycle count as synced.
func (e *Engine) commitMetadata(ctx context.Context, batch *queue.Batch, res *delta.Result) (Outcome, error) {
	current, err := e.loadSnapshot()
	if err != nil {
		return OutcomeFailed, err
	}

	next := current.Clone()
	if err := next.ApplyFields(res.Payload.Fields); err != nil {
		return OutcomeFailed, fmt.Errorf("cycle %d delta does not apply: %w", batch.Seq, err)
	}
	next.DeviceID = e.config.DeviceID
	next.LastPayloadKey = batch.PayloadKey
	next.LastSyncTimestamp = time.Now().UTC()
	next.SyncStatus = state.StatusSynced

	err = e.config.MetadataRetry.Do(ctx, e.config.Logger, "metadata commit", func(ctx context.Context) error {
		return e.metadata.PutState(ctx, next)
	})
	if err != nil {
		// Payload is committed; the cycle parks as pending and the next
		// window retries only this step.
		if merr := e.log.MarkPending(ctx, batch.Seq); merr != nil {
			return OutcomeFailed, merr
		}
		pending := current.Clone()
		pending.SyncStatus = state.StatusPending
		pending.LastPayloadKey = batch.PayloadKey
		if serr := e.snapshots.Save(pending); serr != nil {
			e.config.Logger.Printf("WARNING: failed to save pending snapshot: %v", serr)
		}
		return OutcomePending, err
	}

	if err := e.log.Commit(ctx, batch.Seq); err != nil {
		return OutcomeFailed, err
	}
	if err := e.snapshots.Save(next); err != nil {
		e.config.Logger.Printf("WARNING: failed to save snapshot: %v", err)
	}
	e.cleanupAttachments(res)

	e.config.Logger.Printf("Cycle %d synced (%d records, key %s)",
		batch.Seq, res.Payload.RecordCount, batch.PayloadKey)
	return OutcomeSynced, nil
}

// loadSnapshot reads the local state snapshot, seeding a fresh one for a
// first-ever sync.
func (e *Engine) loadSnapshot() (*state.SyncState, error) {
	s, err := e.snapshots.Load()
	if errors.Is(err, state.ErrNoSnapshot) {
		return state.New(e.config.UserID, e.config.DeviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync snapshot: %w", err)
	}
	return s, nil
}

// markSnapshotStatus flips only the status field of the local snapshot.
func (e *Engine) markSnapshotStatus(status state.Status) {
	s, err := e.loadSnapshot()
	if err != nil {
		e.config.Logger.Printf("WARNING: %v", err)
		return
	}
	s.SyncStatus = status
	if err := e.snapshots.Save(s); err != nil {
		e.config.Logger.Printf("WARNING: failed to save snapshot: %v", err)
	}
}

// cleanupAttachments removes spooled artifact files once their cycle has
// fully committed.
func (e *Engine) cleanupAttachments(res *delta.Result) {
	for _, att := range res.Payload.Attachments {
		if err := os.Remove(att.LocalPath); err != nil && !os.IsNotExist(err) {
			e.config.Logger.Printf("WARNING: failed to remove spooled %s: %v", att.LocalPath, err)
		}
	}
}

func (e *Engine) notify(ev Event) {
	if e.config.Notify != nil {
		e.config.Notify(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
