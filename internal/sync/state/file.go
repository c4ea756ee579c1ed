package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNoSnapshot is returned by Load when no snapshot has ever been saved.
var ErrNoSnapshot = errors.New("no local sync state snapshot")

// maxBackups is how many timestamped snapshot backups to keep.
const maxBackups = 7

// Store persists the local SyncState snapshot as JSON with atomic replace
// semantics: a write either fully lands or the previous snapshot survives.
//
// The snapshot is the device's record of the last acknowledged remote
// state; the orchestrator reads it to seed each cycle and overwrites it
// after each successful commit.
type Store struct {
	path      string
	backupDir string
	logger    *log.Logger
}

// NewStore creates a snapshot store rooted at dir.
//
// The snapshot lives at dir/sync_state.json, backups under dir/backups/.
// If logger is nil, a default logger writing to stderr is used.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}

	backupDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &Store{
		path:      filepath.Join(dir, "sync_state.json"),
		backupDir: backupDir,
		logger:    logger,
	}, nil
}

// Path returns the snapshot file location.
func (st *Store) Path() string {
	return st.path
}

// Load reads the current snapshot.
//
// Returns ErrNoSnapshot if none exists. A corrupted snapshot file falls
// back to the newest readable backup; only if no backup parses either is
// the corruption surfaced as an error.
func (st *Store) Load() (*SyncState, error) {
	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s SyncState
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Printf("WARNING: corrupted snapshot %s: %v (trying backups)", st.path, err)
		return st.restoreFromBackup()
	}

	return &s, nil
}

// Save writes the snapshot atomically, backing up the previous one first.
func (st *Store) Save(s *SyncState) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sync state: %w", err)
	}

	if _, err := os.Stat(st.path); err == nil {
		if err := st.backup(); err != nil {
			st.logger.Printf("WARNING: failed to back up snapshot: %v", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}

// backup copies the current snapshot into the backup directory and prunes
// old backups beyond maxBackups.
func (st *Store) backup() error {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("sync_state_%s.json", time.Now().UTC().Format("20060102_150405.000000"))
	if err := os.WriteFile(filepath.Join(st.backupDir, name), data, 0644); err != nil {
		return err
	}

	return st.pruneBackups()
}

// pruneBackups keeps only the newest maxBackups backup files.
func (st *Store) pruneBackups() error {
	entries, err := os.ReadDir(st.backupDir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= maxBackups {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(st.backupDir, name)); err != nil {
			st.logger.Printf("WARNING: failed to remove old backup %s: %v", name, err)
		}
	}

	return nil
}

// restoreFromBackup loads the newest backup that parses.
func (st *Store) restoreFromBackup() (*SyncState, error) {
	entries, err := os.ReadDir(st.backupDir)
	if err != nil {
		return nil, fmt.Errorf("snapshot corrupted and backups unreadable: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(st.backupDir, name))
		if err != nil {
			continue
		}
		var s SyncState
		if err := json.Unmarshal(data, &s); err != nil {
			st.logger.Printf("WARNING: backup %s also corrupted: %v", name, err)
			continue
		}
		st.logger.Printf("Restored sync state from backup %s", name)
		return &s, nil
	}

	return nil, fmt.Errorf("snapshot corrupted and no readable backup found")
}
