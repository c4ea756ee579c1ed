package netmon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(probe Probe) *Config {
	return &Config{
		Interval:       5 * time.Millisecond,
		ConfirmSamples: 2,
		Probe:          probe,
		Logger:         log.New(io.Discard, "", 0),
	}
}

func waitForState(t *testing.T, m *Monitor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("monitor never reached state %s (now %s)", want, m.State())
}

// TestNew_Validation tests config validation
func TestNew_Validation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded, want error")
	}
	if _, err := New(&Config{Interval: time.Second}); err == nil {
		t.Error("New() without probe succeeded, want error")
	}
	if _, err := New(&Config{Probe: func(context.Context) error { return nil }}); err == nil {
		t.Error("New() without interval succeeded, want error")
	}
}

// TestMonitor_StartsOffline tests the fail-closed initial state
func TestMonitor_StartsOffline(t *testing.T) {
	m, err := New(testConfig(func(context.Context) error { return nil }))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if m.State() != Offline {
		t.Errorf("initial state = %s, want offline", m.State())
	}
}

// TestMonitor_ConfirmsBeforeOnline tests that one good probe is not enough
func TestMonitor_ConfirmsBeforeOnline(t *testing.T) {
	var calls atomic.Int32
	m, err := New(testConfig(func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, Online)
	if calls.Load() < 2 {
		t.Errorf("went online after %d probes, want at least 2", calls.Load())
	}
}

// TestMonitor_FailedProbeResetsStreak tests that confirmation requires
// consecutive successes
func TestMonitor_FailedProbeResetsStreak(t *testing.T) {
	var calls atomic.Int32
	// Pattern: ok, fail, ok, ok -> online only at probe 4.
	m, err := New(testConfig(func(context.Context) error {
		n := calls.Add(1)
		if n == 2 {
			return errors.New("blip")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, Online)
	if calls.Load() < 4 {
		t.Errorf("went online after %d probes, want at least 4", calls.Load())
	}
}

// TestMonitor_LossIsImmediate tests that a single failed probe while
// online drops the state
func TestMonitor_LossIsImmediate(t *testing.T) {
	var broken atomic.Bool
	m, err := New(testConfig(func(context.Context) error {
		if broken.Load() {
			return errors.New("link down")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer m.Stop()

	waitForState(t, m, Online)
	broken.Store(true)
	waitForState(t, m, Offline)
}

// TestMonitor_SubscribeReceivesTransitions tests transition broadcast
func TestMonitor_SubscribeReceivesTransitions(t *testing.T) {
	m, err := New(testConfig(func(context.Context) error { return nil }))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	sub := m.Subscribe()
	if err := m.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer m.Stop()

	select {
	case tr := <-sub:
		if tr.From != Offline || tr.To != Online {
			t.Errorf("transition = %+v, want offline->online", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transition received")
	}
}

// TestMonitor_DoubleStart tests that Start rejects a second call
func TestMonitor_DoubleStart(t *testing.T) {
	m, err := New(testConfig(func(context.Context) error { return nil }))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer m.Stop()

	if err := m.Start(); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}

// TestTCPProbe_Unreachable tests that a dead address reads as an error
func TestTCPProbe_Unreachable(t *testing.T) {
	// Reserved TEST-NET-1 address; connect should fail fast.
	probe := TCPProbe("192.0.2.1:9", 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := probe(ctx); err == nil {
		t.Error("probe to unreachable address succeeded")
	}
}
