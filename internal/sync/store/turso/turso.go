// Package turso implements the metadata store on Turso (libSQL).
//
// Each user has one small sync record in the student_sync table. Writes
// are last-writer-wins on last_sync_timestamp, resolved inside the upsert
// so concurrent devices cannot interleave a read-modify-write race.
package turso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tursodatabase/go-libsql"

	"github.com/studaxis/studaxis-sync/internal/sync/state"
	syncstore "github.com/studaxis/studaxis-sync/internal/sync/store"
)

// Config holds connection settings for the metadata store.
type Config struct {
	// URL is the remote database URL (libsql://...). Empty means a purely
	// local database at LocalPath, useful for tests and air-gapped runs.
	URL string

	// AuthToken authenticates against the remote database.
	AuthToken string

	// LocalPath is the embedded replica file. With a URL set, reads hit
	// the local replica and writes sync to the primary.
	LocalPath string
}

// Store is a MetadataStore backed by a libSQL database.
type Store struct {
	db        *sql.DB
	connector *libsql.Connector
}

// Open connects to the metadata store and ensures its schema exists.
//
// The caller MUST call Close when done.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" && cfg.LocalPath == "" {
		return nil, fmt.Errorf("either URL or LocalPath is required")
	}

	s := &Store{}

	switch {
	case cfg.URL != "" && cfg.LocalPath != "":
		if err := os.MkdirAll(filepath.Dir(cfg.LocalPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
		connector, err := libsql.NewEmbeddedReplicaConnector(cfg.LocalPath, cfg.URL,
			libsql.WithAuthToken(cfg.AuthToken))
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded replica: %w", err)
		}
		s.connector = connector
		s.db = sql.OpenDB(connector)

	case cfg.URL != "":
		db, err := sql.Open("libsql", cfg.URL+"?authToken="+cfg.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote database: %w", err)
		}
		s.db = db

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.LocalPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := sql.Open("libsql", "file:"+cfg.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open local database: %w", err)
		}
		s.db = db
	}

	if err := s.db.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping metadata store: %w", err)
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database and any embedded replica resources.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = err
		}
	}
	if s.connector != nil {
		if err := s.connector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sync pulls the embedded replica up to date with the primary. No-op for
// purely local or purely remote connections.
func (s *Store) Sync() error {
	if s.connector == nil {
		return nil
	}
	if _, err := s.connector.Sync(); err != nil {
		return fmt.Errorf("failed to sync replica: %w", err)
	}
	return nil
}

// initSchema creates the student_sync table. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS student_sync (
		user_id TEXT PRIMARY KEY,
		current_streak INTEGER NOT NULL DEFAULT 0,
		last_sync_timestamp TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		device_id TEXT,
		last_payload_key TEXT,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		last_quiz_score INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return nil
}

// PutState upserts the sync record for st.UserID.
//
// Last-writer-wins: if the stored record carries a newer
// last_sync_timestamp, the write is dropped without error. Timestamps are
// fixed-width UTC strings, so the comparison in SQL is chronological.
func (s *Store) PutState(ctx context.Context, st *state.SyncState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid sync state: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO student_sync
			(user_id, current_streak, last_sync_timestamp, sync_status,
			 device_id, last_payload_key, total_sessions, last_quiz_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			last_sync_timestamp = excluded.last_sync_timestamp,
			sync_status = excluded.sync_status,
			device_id = excluded.device_id,
			last_payload_key = excluded.last_payload_key,
			total_sessions = excluded.total_sessions,
			last_quiz_score = excluded.last_quiz_score
		WHERE excluded.last_sync_timestamp >= student_sync.last_sync_timestamp`,
		st.UserID, st.CurrentStreak, formatTime(st.LastSyncTimestamp), string(st.SyncStatus),
		st.DeviceID, st.LastPayloadKey, st.TotalSessions, st.LastQuizScore,
	)
	if err != nil {
		if classified := syncstore.Classify("put_state", err); syncstore.IsConnectivity(classified) {
			return classified
		}
		return &syncstore.MetadataWriteError{UserID: st.UserID, Err: err}
	}

	return nil
}

// GetState reads the sync record for userID.
func (s *Store) GetState(ctx context.Context, userID string) (*state.SyncState, error) {
	var st state.SyncState
	var ts, status string
	var deviceID, payloadKey sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_streak, last_sync_timestamp, sync_status,
		       device_id, last_payload_key, total_sessions, last_quiz_score
		FROM student_sync WHERE user_id = ?`, userID,
	).Scan(&st.UserID, &st.CurrentStreak, &ts, &status,
		&deviceID, &payloadKey, &st.TotalSessions, &st.LastQuizScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncstore.ErrNotFound
	}
	if err != nil {
		if classified := syncstore.Classify("get_state", err); syncstore.IsConnectivity(classified) {
			return nil, classified
		}
		return nil, fmt.Errorf("failed to read sync state for %s: %w", userID, err)
	}

	st.SyncStatus = state.Status(status)
	st.DeviceID = deviceID.String
	st.LastPayloadKey = payloadKey.String
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		st.LastSyncTimestamp = t
	}

	return &st, nil
}

// timeLayout is fixed-width so stored timestamps compare chronologically
// as text (RFC3339Nano trims trailing zeros, which breaks that).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp for storage. The zero time stores as an
// empty string, which sorts before any real timestamp.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
