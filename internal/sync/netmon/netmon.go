// Package netmon watches for connectivity windows.
//
// The monitor probes a remote endpoint on an interval and publishes
// offline/online transitions to subscribers. It fails closed: a probe
// error, timeout, or ambiguous result reads as offline, because a wrong
// "online" answer triggers doomed upload attempts while a wrong "offline"
// answer only delays a sync.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// State is the monitor's current connectivity verdict.
type State int

const (
	// Offline means the endpoint is unreachable (or unproven reachable).
	// This is the starting state.
	Offline State = iota

	// Online means recent probes confirmed reachability.
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Transition is an edge between connectivity states.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Probe checks reachability of the sync endpoint. A nil return means
// reachable; any error means not proven reachable.
type Probe func(ctx context.Context) error

// TCPProbe returns a Probe that dials addr with the given timeout.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("probe dial %s: %w", addr, err)
		}
		return conn.Close()
	}
}

// Config holds configuration for the monitor.
type Config struct {
	// Interval is how often to probe.
	Interval time.Duration

	// ConfirmSamples is how many consecutive successful probes are needed
	// before an offline->online transition is published. Debounces flapping
	// links so a one-probe blip does not trigger a doomed sync cycle.
	ConfirmSamples int

	// Probe checks endpoint reachability.
	Probe Probe

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults probing the given address.
func DefaultConfig(addr string) *Config {
	return &Config{
		Interval:       30 * time.Second,
		ConfirmSamples: 2,
		Probe:          TCPProbe(addr, 5*time.Second),
		Logger:         log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor probes connectivity and broadcasts transitions.
type Monitor struct {
	config *Config

	mu      sync.Mutex
	state   State
	streak  int // consecutive successful probes while offline
	subs    []chan Transition
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. Use Start to begin probing.
func New(config *Config) (*Monitor, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Probe == nil {
		return nil, fmt.Errorf("config.Probe cannot be nil")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("config.Interval must be positive")
	}
	if config.ConfirmSamples < 1 {
		config.ConfirmSamples = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	return &Monitor{config: config, state: Offline}, nil
}

// State returns the current connectivity verdict.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel receiving future transitions. The channel is
// buffered; a slow receiver loses transitions rather than blocking the
// monitor (receivers read State() for ground truth anyway).
func (m *Monitor) Subscribe() <-chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// Start begins probing in the background. An immediate probe runs first so
// callers get a verdict quickly on startup.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeOnce(ctx)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx)
			}
		}
	}()

	return nil
}

// Stop halts probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeOnce runs one probe and applies the result to the state machine.
func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Interval)
	err := m.config.Probe(probeCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.streak = 0
		if m.state == Online {
			m.config.Logger.Printf("Connectivity lost: %v", err)
			m.transitionLocked(Offline)
		}
		return
	}

	if m.state == Online {
		return
	}

	m.streak++
	if m.streak >= m.config.ConfirmSamples {
		m.config.Logger.Printf("Connectivity confirmed after %d probes", m.streak)
		m.transitionLocked(Online)
	}
}

// transitionLocked publishes a state change. Caller holds mu.
func (m *Monitor) transitionLocked(to State) {
	tr := Transition{From: m.state, To: to, At: time.Now().UTC()}
	m.state = to

	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			// Subscriber is behind; it will catch up via State().
		}
	}
}
