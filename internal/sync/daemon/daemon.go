// Package daemon runs the background sync service: it watches for
// connectivity windows and spooled artifacts, and drives the engine
// through sync cycles until the queue drains.
//
// The daemon:
//  1. Resumes any unresolved cycle from a previous run on startup
//  2. Triggers a sync when connectivity is confirmed
//  3. Triggers periodic syncs while online
//  4. Watches the artifact spool and queues payload_attached mutations
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/sync/netmon"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a cycle while online.
	SyncInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the monitor, spool watcher, and sync engine.
type Daemon struct {
	engine  *engine.Engine
	monitor *netmon.Monitor
	spool   *SpoolWatcher // optional
	config  *Config

	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. spool may be nil when no artifact spool is
// configured. Use Start to begin running.
func New(eng *engine.Engine, monitor *netmon.Monitor, spool *SpoolWatcher, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:  eng,
		monitor: monitor,
		spool:   spool,
		config:  config,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	transitions := d.monitor.Subscribe()
	if err := d.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	if d.spool != nil {
		if err := d.spool.Start(); err != nil {
			d.monitor.Stop()
			return fmt.Errorf("failed to start spool watcher: %w", err)
		}
	}

	// A cycle on startup resumes any batch a previous run left unresolved.
	d.requestSync()

	d.wg.Add(2)
	go d.watchTransitions(transitions)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for an in-progress
// cycle to resolve.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()
	d.monitor.Stop()
	if d.spool != nil {
		d.spool.Stop()
	}
	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// TriggerSync requests a sync cycle outside the regular schedule, e.g.
// from the CLI or the spool watcher. Coalesces with any pending request.
func (d *Daemon) TriggerSync() {
	d.requestSync()
}

func (d *Daemon) requestSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// watchTransitions converts connectivity edges into sync triggers.
func (d *Daemon) watchTransitions(transitions <-chan netmon.Transition) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case tr := <-transitions:
			if tr.To == netmon.Online {
				d.config.Logger.Println("Connectivity window opened, triggering sync")
				d.requestSync()
			}
		}
	}
}

// syncLoop runs cycles on triggers and on the periodic schedule.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.trigger:
			d.drain()
		case <-ticker.C:
			if d.monitor.State() == netmon.Online {
				d.drain()
			}
		}
	}
}

// drain runs cycles back to back until the queue is empty, the work is
// deferred, or a cycle fails. One trigger can flush a whole backlog of
// split batches this way.
func (d *Daemon) drain() {
	for {
		outcome, err := d.engine.RunCycle(d.ctx)
		if errors.Is(err, engine.ErrCycleInProgress) {
			return
		}

		switch outcome {
		case engine.OutcomeSynced:
			continue
		case engine.OutcomePending:
			d.config.Logger.Printf("Cycle parked pending metadata commit: %v", err)
			return
		case engine.OutcomeFailed:
			d.config.Logger.Printf("Sync cycle failed: %v", err)
			return
		case engine.OutcomeDeferred, engine.OutcomeNoWork:
			return
		default:
			return
		}
	}
}
