package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// SpoolWatcher watches the artifact spool for files dropped by the study
// features (chat logs, quiz result exports) and queues a payload_attached
// mutation for each.
//
// Spool layout: {spoolDir}/{artifact_type}/{name}.json. The artifact type
// directory becomes the object key namespace, so a file at
// spool/chat_logs/s1.json uploads as chat_logs/{user_id}/s1.json.
type SpoolWatcher struct {
	log      *queue.Log
	userID   string
	spoolDir string
	logger   *log.Logger

	// onQueued fires after an artifact is queued; the daemon hooks a sync
	// trigger here.
	onQueued func()

	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pending   map[string]time.Time // path -> last event time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSpoolWatcher creates a watcher over spoolDir for the given user.
func NewSpoolWatcher(mlog *queue.Log, userID, spoolDir string, onQueued func(), logger *log.Logger) (*SpoolWatcher, error) {
	if mlog == nil {
		return nil, fmt.Errorf("mutation log cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &SpoolWatcher{
		log:      mlog,
		userID:   userID,
		spoolDir: spoolDir,
		logger:   logger,
		onQueued: onQueued,
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start scans the spool for files left over from previous runs, then
// begins watching for new ones.
func (w *SpoolWatcher) Start() error {
	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool: %w", err)
	}

	// Watch existing artifact type subdirectories and pick up any files
	// already sitting in them.
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to scan spool: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.spoolDir, e.Name())
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Printf("Warning: failed to watch %s: %v", dir, err)
			continue
		}
		w.scanDir(dir)
	}

	w.logger.Printf("Watching spool: %s", w.spoolDir)

	w.wg.Add(2)
	go w.watchEvents()
	go w.flushLoop()

	return nil
}

// Stop halts watching and waits for in-progress queueing to finish.
func (w *SpoolWatcher) Stop() {
	close(w.done)
	if err := w.watcher.Close(); err != nil {
		w.logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
}

// scanDir queues every artifact file already present in dir.
func (w *SpoolWatcher) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Printf("Warning: failed to scan %s: %v", dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		w.enqueue(filepath.Join(dir, e.Name()))
	}
}

// watchEvents routes filesystem events into the debounce queue.
func (w *SpoolWatcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				// A new artifact type directory appears at runtime.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if filepath.Dir(event.Name) == w.spoolDir {
						if err := w.watcher.Add(event.Name); err != nil {
							w.logger.Printf("Warning: failed to watch %s: %v", event.Name, err)
						}
					}
					continue
				}
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// flushLoop queues files whose events have settled. Writers may take
// several writes to finish a file; debouncing waits for the last one.
func (w *SpoolWatcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			var ready []string
			w.pendingMu.Lock()
			now := time.Now()
			for path, last := range w.pending {
				if now.Sub(last) >= w.debounce {
					ready = append(ready, path)
					delete(w.pending, path)
				}
			}
			w.pendingMu.Unlock()

			for _, path := range ready {
				w.enqueue(path)
			}
		}
	}
}

// enqueue records a payload_attached mutation for the spooled file,
// skipping paths already queued (restart and rescan safety).
func (w *SpoolWatcher) enqueue(path string) {
	ctx := context.Background()

	queued, err := w.log.HasArtifact(ctx, path)
	if err != nil {
		w.logger.Printf("Warning: failed to check spool dedup for %s: %v", path, err)
		return
	}
	if queued {
		return
	}

	artifactType := filepath.Base(filepath.Dir(path))
	key := store.ArtifactKey(artifactType, w.userID, filepath.Base(path))

	if _, err := w.log.Append(ctx, queue.KindPayloadAttached, map[string]interface{}{
		"artifact_key": key,
		"local_path":   path,
	}); err != nil {
		w.logger.Printf("Warning: failed to queue artifact %s: %v", path, err)
		return
	}

	w.logger.Printf("Queued artifact %s as %s", path, key)
	if w.onQueued != nil {
		w.onQueued()
	}
}
