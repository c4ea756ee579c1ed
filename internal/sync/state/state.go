// Package state provides the SyncState value type, the single
// authoritative record of a device's remote sync status, plus a local
// JSON snapshot store with atomic replace and rotating backups.
//
// All mutation of remote sync state funnels through the orchestrator and
// the metadata store's PutState; this package never writes remote state
// itself.
package state

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// Status is the coarse sync health visible to consumers.
type Status string

const (
	// StatusSynced means the last full commit (payload + metadata) succeeded.
	StatusSynced Status = "synced"

	// StatusPending means the payload commit succeeded but the metadata
	// commit has not yet been acknowledged. The next connectivity window
	// retries the metadata write without re-uploading the payload.
	StatusPending Status = "pending"

	// StatusError means the last cycle failed before the payload commit.
	StatusError Status = "error"
)

// userIDPattern matches the identity format accepted across the platform.
var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

// SyncState is the per-user record stored in the metadata store.
//
// Field names in the JSON/YAML tags are the wire contract: the dashboard
// and the cloud ingestion pipeline read these keys directly.
type SyncState struct {
	// UserID is the identity key. Immutable once set.
	UserID string `json:"user_id" yaml:"user_id"`

	// CurrentStreak is the user's consecutive-day activity streak.
	CurrentStreak int `json:"current_streak" yaml:"current_streak"`

	// LastSyncTimestamp is the UTC instant of the last successful full
	// commit. Advances only when both payload and metadata commits land.
	// It is also the last-writer-wins ordering key across devices.
	LastSyncTimestamp time.Time `json:"last_sync_timestamp" yaml:"last_sync_timestamp"`

	// SyncStatus is the coarse health of the last sync cycle.
	SyncStatus Status `json:"sync_status" yaml:"sync_status"`

	// DeviceID identifies the device that produced the last write.
	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`

	// LastPayloadKey references the most recent blob committed to the
	// payload store. Set if and only if a payload commit has completed
	// for the current sync cycle.
	LastPayloadKey string `json:"last_payload_key,omitempty" yaml:"last_payload_key,omitempty"`

	// TotalSessions counts completed study sessions. Monotonic.
	TotalSessions int `json:"total_sessions" yaml:"total_sessions"`

	// LastQuizScore is the most recent quiz score, 0-100.
	LastQuizScore int `json:"last_quiz_score" yaml:"last_quiz_score"`
}

// New returns a zero-progress SyncState for a user that has never synced.
func New(userID, deviceID string) *SyncState {
	return &SyncState{
		UserID:     userID,
		DeviceID:   deviceID,
		SyncStatus: StatusPending,
	}
}

// Validate checks field values against the wire contract.
func (s *SyncState) Validate() error {
	if !userIDPattern.MatchString(s.UserID) {
		return fmt.Errorf("user_id must match %s (got %q)", userIDPattern, s.UserID)
	}
	if s.CurrentStreak < 0 {
		return fmt.Errorf("current_streak must be non-negative (got %d)", s.CurrentStreak)
	}
	if s.TotalSessions < 0 {
		return fmt.Errorf("total_sessions must be non-negative (got %d)", s.TotalSessions)
	}
	if s.LastQuizScore < 0 || s.LastQuizScore > 100 {
		return fmt.Errorf("last_quiz_score must be between 0 and 100 (got %d)", s.LastQuizScore)
	}
	switch s.SyncStatus {
	case StatusSynced, StatusPending, StatusError:
	default:
		return fmt.Errorf("sync_status must be synced, pending, or error (got %q)", s.SyncStatus)
	}
	return nil
}

// Clone returns a copy of the state. SyncState has no reference fields,
// so a shallow copy is a full copy.
func (s *SyncState) Clone() *SyncState {
	c := *s
	return &c
}

// ApplyFields folds a merged delta field set into the state.
//
// Field names are the wire-contract keys. Numeric values arrive as JSON
// numbers (float64 after unmarshaling) and are coerced to int;
// last_quiz_score is clamped to 0-100. Keys outside the summary schema
// are ignored; they sync inside the payload blob instead.
func (s *SyncState) ApplyFields(fields map[string]interface{}) error {
	for name, value := range fields {
		switch name {
		case "current_streak":
			n, err := coerceInt(name, value)
			if err != nil {
				return err
			}
			if n < 0 {
				return fmt.Errorf("current_streak must be non-negative (got %d)", n)
			}
			s.CurrentStreak = n

		case "total_sessions":
			n, err := coerceInt(name, value)
			if err != nil {
				return err
			}
			if n < s.TotalSessions {
				// Monotonic counter: never move backwards.
				continue
			}
			s.TotalSessions = n

		case "last_quiz_score":
			n, err := coerceInt(name, value)
			if err != nil {
				return err
			}
			if n < 0 {
				n = 0
			}
			if n > 100 {
				n = 100
			}
			s.LastQuizScore = n

		case "device_id":
			str, ok := value.(string)
			if !ok {
				return fmt.Errorf("device_id must be a string (got %T)", value)
			}
			s.DeviceID = str

		default:
			// Fields outside the summary schema travel in the payload blob
			// only; the metadata row does not track them.
			continue
		}
	}
	return nil
}

// coerceInt converts a JSON-decoded numeric value to int.
func coerceInt(name string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer (got %v)", name, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be a number (got %T)", name, value)
	}
}
