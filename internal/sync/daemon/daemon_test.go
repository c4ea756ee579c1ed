package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/sync/netmon"
	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// memPayloads is a minimal in-memory payload store.
type memPayloads struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memPayloads) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memPayloads) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (m *memPayloads) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

// memMetadata is a minimal in-memory metadata store.
type memMetadata struct {
	mu     sync.Mutex
	states map[string]*state.SyncState
}

func (m *memMetadata) PutState(ctx context.Context, s *state.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]*state.SyncState)
	}
	m.states[s.UserID] = s.Clone()
	return nil
}

func (m *memMetadata) GetState(ctx context.Context, userID string) (*state.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func newTestDaemon(t *testing.T, l *queue.Log) (*Daemon, *memMetadata) {
	t.Helper()
	dir := t.TempDir()

	snaps, err := state.NewStore(dir, testLogger())
	if err != nil {
		t.Fatalf("state.NewStore() failed: %v", err)
	}

	metadata := &memMetadata{}
	cfg := engine.DefaultConfig("alice", "laptop-1")
	cfg.Logger = testLogger()
	eng, err := engine.New(l, snaps, &memPayloads{}, metadata, cfg)
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}

	monitor, err := netmon.New(&netmon.Config{
		Interval:       5 * time.Millisecond,
		ConfirmSamples: 1,
		Probe:          func(context.Context) error { return nil },
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("netmon.New() failed: %v", err)
	}

	dcfg := DefaultConfig()
	dcfg.SyncInterval = 20 * time.Millisecond
	dcfg.Logger = testLogger()

	d, err := New(eng, monitor, nil, dcfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d, metadata
}

// TestDaemon_SyncsBacklogOnConnectivity tests the window-opens-then-drain path
func TestDaemon_SyncsBacklogOnConnectivity(t *testing.T) {
	l, err := queue.Open(filepath.Join(t.TempDir(), "mutations.db"))
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(ctx, queue.KindSessionCompleted,
			map[string]interface{}{"total_sessions": i}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	d, metadata := newTestDaemon(t, l)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()

	// The backlog should drain once the monitor confirms connectivity.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := metadata.GetState(ctx, "alice"); err == nil && s.TotalSessions == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s, err := metadata.GetState(ctx, "alice")
	if err != nil {
		t.Fatalf("backlog never synced: %v", err)
	}
	if s.TotalSessions != 3 {
		t.Errorf("remote total_sessions = %d, want 3", s.TotalSessions)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() returned error: %v", err)
	}

	counts, _ := l.Counts(ctx)
	if counts[queue.StatusPending] != 0 || counts[queue.StatusInFlight] != 0 {
		t.Errorf("queue counts after drain = %v", counts)
	}
}

// TestDaemon_TriggerSync tests the manual trigger path
func TestDaemon_TriggerSync(t *testing.T) {
	l, err := queue.Open(filepath.Join(t.TempDir(), "mutations.db"))
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}
	defer l.Close()

	d, metadata := newTestDaemon(t, l)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(runCtx)

	ctx := context.Background()
	if _, err := l.Append(ctx, queue.KindScoreUpdate,
		map[string]interface{}{"last_quiz_score": 73}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	d.TriggerSync()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := metadata.GetState(ctx, "alice"); err == nil && s.LastQuizScore == 73 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("triggered sync never landed")
}
