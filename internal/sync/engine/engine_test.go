package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// fakePayloadStore records every Put per key and can inject failures.
type fakePayloadStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
	putErr  error         // returned by every Put while set
	block   chan struct{} // if set, Put waits until closed
}

func newFakePayloadStore() *fakePayloadStore {
	return &fakePayloadStore{objects: make(map[string][]byte), puts: make(map[string]int)}
}

func (f *fakePayloadStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	f.puts[key]++
	err := f.putErr
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.objects[key] = append([]byte(nil), data...)
	f.mu.Unlock()
	return nil
}

func (f *fakePayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakePayloadStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakePayloadStore) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[key]
}

// fakeMetadataStore keeps states in memory and can fail the next N writes.
type fakeMetadataStore struct {
	mu       sync.Mutex
	states   map[string]*state.SyncState
	failNext int
	failWith error
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{states: make(map[string]*state.SyncState)}
}

func (f *fakeMetadataStore) PutState(ctx context.Context, s *state.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		if f.failWith != nil {
			return f.failWith
		}
		return &store.MetadataWriteError{UserID: s.UserID, Err: errors.New("injected")}
	}
	f.states[s.UserID] = s.Clone()
	return nil
}

func (f *fakeMetadataStore) GetState(ctx context.Context, userID string) (*state.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

type testEnv struct {
	log       *queue.Log
	snapshots *state.Store
	payloads  *fakePayloadStore
	metadata  *fakeMetadataStore
	engine    *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	l, err := queue.Open(filepath.Join(dir, "mutations.db"))
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	snaps, err := state.NewStore(dir, testLogger())
	if err != nil {
		t.Fatalf("state.NewStore() failed: %v", err)
	}

	payloads := newFakePayloadStore()
	metadata := newFakeMetadataStore()

	cfg := DefaultConfig("alice", "laptop-1")
	cfg.Logger = testLogger()
	cfg.PayloadRetry = fastPolicy(3)
	cfg.MetadataRetry = fastPolicy(5)
	cfg.MaxClaimBytes = 1 << 20

	eng, err := New(l, snaps, payloads, metadata, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	return &testEnv{log: l, snapshots: snaps, payloads: payloads, metadata: metadata, engine: eng}
}

func (env *testEnv) append(t *testing.T, kind queue.Kind, fields map[string]interface{}) {
	t.Helper()
	if _, err := env.log.Append(context.Background(), kind, fields); err != nil {
		t.Fatalf("Append(%s) failed: %v", kind, err)
	}
}

func (env *testEnv) run(t *testing.T) Outcome {
	t.Helper()
	outcome, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	return outcome
}

// TestRunCycle_NoWork tests the empty-queue outcome
func TestRunCycle_NoWork(t *testing.T) {
	env := newTestEnv(t)

	if got := env.run(t); got != OutcomeNoWork {
		t.Errorf("RunCycle() = %s, want no_work", got)
	}
}

// TestRunCycle_Synced tests the full happy path
func TestRunCycle_Synced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.append(t, queue.KindStreakIncrement, map[string]interface{}{"current_streak": 6})
	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 84})
	env.append(t, queue.KindSessionCompleted, map[string]interface{}{"total_sessions": 20})

	if got := env.run(t); got != OutcomeSynced {
		t.Fatalf("RunCycle() = %s, want synced", got)
	}

	// Payload landed under the deterministic key.
	key := store.PayloadKey("alice", 1)
	if env.payloads.putCount(key) != 1 {
		t.Errorf("payload Put count for %s = %d, want 1", key, env.payloads.putCount(key))
	}

	// Metadata is the merged delta.
	remote, err := env.metadata.GetState(ctx, "alice")
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if remote.CurrentStreak != 6 || remote.LastQuizScore != 84 || remote.TotalSessions != 20 {
		t.Errorf("remote state = %+v, want streak 6, score 84, sessions 20", remote)
	}
	if remote.SyncStatus != state.StatusSynced {
		t.Errorf("remote status = %s, want synced", remote.SyncStatus)
	}
	if remote.LastPayloadKey != key {
		t.Errorf("remote payload key = %q, want %q", remote.LastPayloadKey, key)
	}
	if remote.LastSyncTimestamp.IsZero() {
		t.Error("remote timestamp is zero, want advanced")
	}

	// Queue fully drained.
	counts, _ := env.log.Counts(ctx)
	if counts[queue.StatusCommitted] != 3 || counts[queue.StatusPending] != 0 {
		t.Errorf("queue counts = %v, want 3 committed", counts)
	}

	// Local snapshot mirrors the remote record.
	snap, err := env.snapshots.Load()
	if err != nil {
		t.Fatalf("snapshot Load() failed: %v", err)
	}
	if snap.SyncStatus != state.StatusSynced || snap.CurrentStreak != 6 {
		t.Errorf("snapshot = %+v, want synced with streak 6", snap)
	}
}

// TestRunCycle_OfflineDefers tests that no work starts without connectivity
func TestRunCycle_OfflineDefers(t *testing.T) {
	env := newTestEnv(t)
	env.engine.config.Online = func() bool { return false }

	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 50})

	if got := env.run(t); got != OutcomeDeferred {
		t.Fatalf("RunCycle() = %s, want deferred", got)
	}

	counts, _ := env.log.Counts(context.Background())
	if counts[queue.StatusPending] != 1 {
		t.Errorf("queue counts = %v, want record untouched", counts)
	}
}

// TestRunCycle_PayloadConnectivityLoss tests deferral mid-upload
func TestRunCycle_PayloadConnectivityLoss(t *testing.T) {
	env := newTestEnv(t)
	env.payloads.putErr = &store.ConnectivityError{Op: "put", Err: errors.New("link down")}

	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 77})

	outcome, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if outcome != OutcomeDeferred {
		t.Fatalf("RunCycle() = %s, want deferred", outcome)
	}

	// Records return to pending; no metadata was written (two-step order).
	counts, _ := env.log.Counts(context.Background())
	if counts[queue.StatusPending] != 1 || counts[queue.StatusInFlight] != 0 {
		t.Errorf("queue counts = %v, want 1 pending", counts)
	}
	if _, err := env.metadata.GetState(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Error("metadata was written despite payload never committing")
	}
}

// TestRunCycle_PayloadFailure tests the failed outcome and full revert
func TestRunCycle_PayloadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.payloads.putErr = &store.PayloadWriteError{Key: "x", Err: errors.New("quota exceeded")}

	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 30})

	outcome, err := env.engine.RunCycle(context.Background())
	if outcome != OutcomeFailed {
		t.Fatalf("RunCycle() = %s (err %v), want failed", outcome, err)
	}
	if err == nil {
		t.Fatal("RunCycle() returned nil error on failure")
	}

	counts, _ := env.log.Counts(context.Background())
	if counts[queue.StatusPending] != 1 {
		t.Errorf("queue counts = %v, want record requeued", counts)
	}

	snap, err := env.snapshots.Load()
	if err != nil {
		t.Fatalf("snapshot Load() failed: %v", err)
	}
	if snap.SyncStatus != state.StatusError {
		t.Errorf("snapshot status = %s, want error", snap.SyncStatus)
	}
}

// TestRunCycle_MetadataFailureParksPending tests the two-step pending
// state and that resumption never re-uploads the payload
func TestRunCycle_MetadataFailureParksPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.metadata.failNext = -1 // fail until further notice

	env.append(t, queue.KindStreakIncrement, map[string]interface{}{"current_streak": 9})

	outcome, err := env.engine.RunCycle(ctx)
	if outcome != OutcomePending {
		t.Fatalf("RunCycle() = %s (err %v), want pending", outcome, err)
	}
	if err == nil {
		t.Fatal("RunCycle() returned nil error for pending outcome")
	}

	key := store.PayloadKey("alice", 1)
	if env.payloads.putCount(key) != 1 {
		t.Fatalf("payload Put count = %d, want 1", env.payloads.putCount(key))
	}

	// Snapshot shows pending with the payload key, timestamp not advanced.
	snap, err := env.snapshots.Load()
	if err != nil {
		t.Fatalf("snapshot Load() failed: %v", err)
	}
	if snap.SyncStatus != state.StatusPending {
		t.Errorf("snapshot status = %s, want pending", snap.SyncStatus)
	}
	if snap.LastPayloadKey != key {
		t.Errorf("snapshot payload key = %q, want %q", snap.LastPayloadKey, key)
	}
	if !snap.LastSyncTimestamp.IsZero() {
		t.Error("snapshot timestamp advanced before metadata commit")
	}
	if snap.CurrentStreak != 0 {
		t.Errorf("snapshot streak = %d before commit, want 0", snap.CurrentStreak)
	}

	// Connectivity returns; only the metadata step reruns.
	env.metadata.failNext = 0
	if got := env.run(t); got != OutcomeSynced {
		t.Fatalf("resume RunCycle() = %s, want synced", got)
	}
	if env.payloads.putCount(key) != 1 {
		t.Errorf("payload Put count after resume = %d, want still 1 (no duplicate upload)", env.payloads.putCount(key))
	}

	remote, err := env.metadata.GetState(ctx, "alice")
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if remote.CurrentStreak != 9 || remote.SyncStatus != state.StatusSynced {
		t.Errorf("remote state = %+v, want streak 9 synced", remote)
	}

	counts, _ := env.log.Counts(ctx)
	if counts[queue.StatusCommitted] != 1 {
		t.Errorf("queue counts = %v, want 1 committed", counts)
	}
}

// TestRunCycle_SingleFlight tests that overlapping cycles are rejected
func TestRunCycle_SingleFlight(t *testing.T) {
	env := newTestEnv(t)
	env.payloads.block = make(chan struct{})

	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 42})

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.engine.RunCycle(context.Background())
	}()

	// Wait for the first cycle to reach the blocked upload.
	key := store.PayloadKey("alice", 1)
	waited := time.Now()
	for env.payloads.putCount(key) == 0 {
		if time.Since(waited) > 2*time.Second {
			t.Fatal("first cycle never reached the payload upload")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := env.engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent RunCycle() error = %v, want ErrCycleInProgress", err)
	}

	close(env.payloads.block)
	<-done
}

// TestRunCycle_UnprocessableRecord tests that a record no delta can carry
// is failed and the cycle reverts
func TestRunCycle_UnprocessableRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A payload_attached record without its artifact key is unprocessable.
	env.append(t, queue.KindPayloadAttached, map[string]interface{}{"local_path": "/tmp/x.json"})

	outcome, err := env.engine.RunCycle(ctx)
	if outcome != OutcomeFailed {
		t.Fatalf("RunCycle() = %s (err %v), want failed", outcome, err)
	}

	counts, _ := env.log.Counts(ctx)
	if counts[queue.StatusFailed] != 1 {
		t.Errorf("queue counts = %v, want 1 failed", counts)
	}
	if counts[queue.StatusPending] != 0 || counts[queue.StatusInFlight] != 0 {
		t.Errorf("queue counts = %v, want nothing live", counts)
	}

	// A later valid mutation is not blocked by the failed one.
	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 65})
	if got := env.run(t); got != OutcomeSynced {
		t.Errorf("RunCycle() after failed record = %s, want synced", got)
	}
}

// TestRunCycle_AttachmentLifecycle tests artifact upload and spool cleanup
func TestRunCycle_AttachmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	spooled := filepath.Join(t.TempDir(), "q1.json")
	if err := os.WriteFile(spooled, []byte(`{"score": 91}`), 0644); err != nil {
		t.Fatalf("failed to write spooled file: %v", err)
	}

	artifactKey := store.ArtifactKey("quiz_results", "alice", "q1.json")
	env.append(t, queue.KindPayloadAttached, map[string]interface{}{
		"artifact_key": artifactKey,
		"local_path":   spooled,
	})
	env.append(t, queue.KindScoreUpdate, map[string]interface{}{"last_quiz_score": 91})

	if got := env.run(t); got != OutcomeSynced {
		t.Fatalf("RunCycle() = %s, want synced", got)
	}

	data, err := env.payloads.Get(ctx, artifactKey)
	if err != nil {
		t.Fatalf("artifact not uploaded: %v", err)
	}
	if string(data) != `{"score": 91}` {
		t.Errorf("artifact content = %s", data)
	}

	if _, err := os.Stat(spooled); !os.IsNotExist(err) {
		t.Error("spooled file still exists after commit")
	}
}

// TestRunCycle_SplitBatchSyncsInTwoCycles tests oversized backlog handling
func TestRunCycle_SplitBatchSyncsInTwoCycles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Distinct ~20KB fields per record force a split over the 50KB cap.
	big := make([]byte, 20*1024)
	for i := range big {
		big[i] = 'x'
	}
	for _, name := range []string{"note_a", "note_b", "note_c"} {
		env.append(t, queue.KindScoreUpdate, map[string]interface{}{name: string(big)})
	}

	if got := env.run(t); got != OutcomeSynced {
		t.Fatalf("first RunCycle() = %s, want synced", got)
	}
	counts, _ := env.log.Counts(ctx)
	if counts[queue.StatusPending] == 0 {
		t.Fatal("no records deferred; expected a split")
	}

	if got := env.run(t); got != OutcomeSynced {
		t.Fatalf("second RunCycle() = %s, want synced", got)
	}
	counts, _ = env.log.Counts(ctx)
	if counts[queue.StatusPending] != 0 || counts[queue.StatusCommitted] != 3 {
		t.Errorf("queue counts = %v, want all 3 committed", counts)
	}
}
