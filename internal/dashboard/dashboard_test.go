package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

type stubMetadata struct {
	st *state.SyncState
}

func (m *stubMetadata) PutState(ctx context.Context, s *state.SyncState) error {
	m.st = s.Clone()
	return nil
}

func (m *stubMetadata) GetState(ctx context.Context, userID string) (*state.SyncState, error) {
	if m.st == nil || m.st.UserID != userID {
		return nil, store.ErrNotFound
	}
	return m.st.Clone(), nil
}

func startTestServer(t *testing.T, mlog *queue.Log, metadata store.MetadataStore) *Server {
	t.Helper()
	s := NewServer(mlog, metadata, &Config{
		Port:   0, // random free port
		UserID: "alice",
		Logger: log.New(io.Discard, "", 0),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func openTestLog(t *testing.T) *queue.Log {
	t.Helper()
	l, err := queue.Open(filepath.Join(t.TempDir(), "mutations.db"))
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// TestHealthEndpoint tests the health check
func TestHealthEndpoint(t *testing.T) {
	s := startTestServer(t, openTestLog(t), &stubMetadata{})

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

// TestStateEndpoint tests serving the remote sync record
func TestStateEndpoint(t *testing.T) {
	metadata := &stubMetadata{st: &state.SyncState{
		UserID:        "alice",
		CurrentStreak: 4,
		SyncStatus:    state.StatusSynced,
	}}
	s := startTestServer(t, openTestLog(t), metadata)

	resp, err := http.Get(fmt.Sprintf("http://%s/state", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /state failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got state.SyncState
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if got.UserID != "alice" || got.CurrentStreak != 4 {
		t.Errorf("state = %+v", got)
	}
}

// TestStateEndpoint_NotFound tests the never-synced case
func TestStateEndpoint_NotFound(t *testing.T) {
	s := startTestServer(t, openTestLog(t), &stubMetadata{})

	resp, err := http.Get(fmt.Sprintf("http://%s/state", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /state failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// TestQueueEndpoint tests queue statistics over HTTP
func TestQueueEndpoint(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.Append(context.Background(), queue.KindScoreUpdate,
		map[string]interface{}{"last_quiz_score": 55}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	s := startTestServer(t, l, &stubMetadata{})

	resp, err := http.Get(fmt.Sprintf("http://%s/queue", s.GetAddr()))
	if err != nil {
		t.Fatalf("GET /queue failed: %v", err)
	}
	defer resp.Body.Close()

	var stats QueueStatsData
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

// TestWebSocket_ReceivesCycleBroadcast tests the end-to-end broadcast path
func TestWebSocket_ReceivesCycleBroadcast(t *testing.T) {
	s := startTestServer(t, openTestLog(t), &stubMetadata{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("websocket.Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First message is the queue stats seed.
	_, seed, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read seed message: %v", err)
	}
	var seedMsg Message
	if err := json.Unmarshal(seed, &seedMsg); err != nil {
		t.Fatalf("seed message is not valid JSON: %v", err)
	}
	if seedMsg.Type != MessageTypeQueueStats {
		t.Errorf("seed type = %s, want queue_stats", seedMsg.Type)
	}

	s.PublishCycle(engine.Event{
		Outcome:    engine.OutcomeSynced,
		Seq:        3,
		PayloadKey: "sync/alice/cycle_00000003.json",
		Records:    2,
		At:         time.Now().UTC(),
	})

	// Expect a cycle message (queue stats may follow).
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read broadcast: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("broadcast is not valid JSON: %v", err)
		}
		if msg.Type != MessageTypeCycle {
			continue
		}

		var ev engine.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("cycle data does not parse: %v", err)
		}
		if ev.Outcome != engine.OutcomeSynced || ev.Seq != 3 {
			t.Errorf("event = %+v", ev)
		}
		return
	}
}

// TestClientCount tests connection tracking
func TestClientCount(t *testing.T) {
	s := startTestServer(t, openTestLog(t), &stubMetadata{})

	if s.ClientCount() != 0 {
		t.Errorf("initial ClientCount() = %d, want 0", s.ClientCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("websocket.Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.ClientCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d after connect, want 1", s.ClientCount())
	}
}
