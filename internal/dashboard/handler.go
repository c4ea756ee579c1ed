package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/sync/netmon"
	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// PublishCycle broadcasts a finished sync cycle, followed by refreshed
// queue statistics. Wire it to engine.Config.Notify.
func (s *Server) PublishCycle(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("Failed to marshal cycle event: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeCycle, Data: data})
	s.PublishQueueStats()
}

// PublishQueueStats broadcasts current mutation queue statistics.
func (s *Server) PublishQueueStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.queueStats(ctx)
	if err != nil {
		s.logger.Printf("Failed to read queue stats: %v", err)
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	s.Broadcast(Message{Type: MessageTypeQueueStats, Data: data})
}

// PublishConnectivity broadcasts a connectivity transition. Wire it to a
// netmon subscription.
func (s *Server) PublishConnectivity(tr netmon.Transition) {
	data, err := json.Marshal(ConnectivityData{State: tr.To.String()})
	if err != nil {
		return
	}
	s.Broadcast(Message{Type: MessageTypeConnectivity, Data: data})
}

// queueStats snapshots the mutation log counters.
func (s *Server) queueStats(ctx context.Context) (*QueueStatsData, error) {
	if s.mlog == nil {
		return &QueueStatsData{}, nil
	}
	counts, err := s.mlog.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatsData{
		Pending:   counts[queue.StatusPending],
		InFlight:  counts[queue.StatusInFlight],
		Committed: counts[queue.StatusCommitted],
		Failed:    counts[queue.StatusFailed],
	}, nil
}

// handleState serves the authoritative remote sync record for the
// configured user.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.metadata == nil || s.userID == "" {
		http.Error(w, "state endpoint not configured", http.StatusNotFound)
		return
	}

	st, err := s.metadata.GetState(r.Context(), s.userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no sync record yet", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Printf("Failed to read remote state: %v", err)
		http.Error(w, "metadata store unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// handleQueue serves current queue statistics over plain HTTP.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queueStats(r.Context())
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Studaxis Sync Dashboard</title>
</head>
<body>
    <h1>Studaxis Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Remote sync record: <a href="/state">/state</a></p>
    <p>Queue statistics: <a href="/queue">/queue</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time sync cycle updates.</p>
</body>
</html>`, r.Host)
}
