// Package delta merges a claimed batch of mutations into a single compact
// sync payload.
//
// The merge is deterministic: given the same batch, Build always produces
// the same payload bytes, so a crash-resumed cycle re-creates the exact
// blob it would have uploaded before the crash. Field values merge
// last-writer-wins in mutation order; artifact references accumulate.
package delta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/queue"
)

// Size constants for the merged payload.
const (
	// TargetBytes is the soft size goal for a payload. Informational:
	// batches are claimed around this size but never padded or forced.
	TargetBytes = 5 * 1024

	// MaxBytes is the hard cap on an encoded payload. Build splits a
	// batch rather than exceed it.
	MaxBytes = 50 * 1024
)

// RecordTooLargeError reports a single mutation whose merged payload
// alone exceeds MaxBytes. The record can never sync and must be failed.
type RecordTooLargeError struct {
	ID   int64
	Size int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("mutation %d produces a %d-byte payload, over the %d-byte cap", e.ID, e.Size, MaxBytes)
}

// Attachment references a spooled local artifact to upload alongside the
// delta payload.
type Attachment struct {
	// Key is the object key the artifact uploads under.
	Key string `json:"key"`

	// LocalPath is where the artifact sits on disk. Not serialized into
	// the payload; it is a local concern only.
	LocalPath string `json:"-"`
}

// Payload is the merged delta for one sync cycle.
type Payload struct {
	UserID      string                 `json:"user_id"`
	DeviceID    string                 `json:"device_id,omitempty"`
	Seq         int64                  `json:"cycle_seq"`
	GeneratedAt time.Time              `json:"generated_at"`
	Fields      map[string]interface{} `json:"fields"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	RecordCount int                    `json:"record_count"`
}

// Encode renders the payload as JSON.
func (p *Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// CorruptRecord identifies a mutation whose stored fields no longer parse.
type CorruptRecord struct {
	ID     int64
	Reason string
}

// Result is the outcome of merging a batch.
type Result struct {
	// Payload is the merged delta covering records up to LastKeptID.
	Payload *Payload

	// Encoded is the payload's canonical byte form, already within MaxBytes.
	Encoded []byte

	// LastKeptID is the highest mutation ID included in the payload.
	LastKeptID int64

	// Split is true when the size cap forced records after LastKeptID out
	// of this cycle. The caller returns them to pending.
	Split bool

	// Corrupt lists records skipped because their fields failed to parse.
	// The caller surfaces these individually; they never block the batch.
	Corrupt []CorruptRecord
}

// Builder merges batches for one user/device pair.
type Builder struct {
	UserID   string
	DeviceID string
}

// NewBuilder returns a Builder for the given identity.
func NewBuilder(userID, deviceID string) *Builder {
	return &Builder{UserID: userID, DeviceID: deviceID}
}

// Build merges the batch into a single payload.
//
// Records merge oldest-first: a later value for the same field replaces an
// earlier one, so ten streak updates collapse into one field. Corrupted
// records are reported and skipped. If the encoded payload would exceed
// MaxBytes, Build keeps the longest prefix that fits and flags the split;
// a single record that alone busts the cap yields *RecordTooLargeError.
func (b *Builder) Build(batch *queue.Batch) (*Result, error) {
	if batch == nil || len(batch.Records) == 0 {
		return nil, fmt.Errorf("cannot build a payload from an empty batch")
	}

	res := &Result{}

	kept := 0
	fields := make(map[string]interface{})
	var attachments []Attachment

	for _, m := range batch.Records {
		f, att, err := decodeRecord(&m)
		if err != nil {
			res.Corrupt = append(res.Corrupt, CorruptRecord{ID: m.ID, Reason: err.Error()})
			continue
		}

		// Trial merge, then check the encoded size before committing to it.
		trialFields := cloneFields(fields)
		for k, v := range f {
			trialFields[k] = v
		}
		trialAtt := attachments
		if att != nil {
			trialAtt = append(append([]Attachment{}, attachments...), *att)
		}

		p := b.payload(batch, trialFields, trialAtt, kept+1)
		encoded, err := p.Encode()
		if err != nil {
			res.Corrupt = append(res.Corrupt, CorruptRecord{ID: m.ID, Reason: err.Error()})
			continue
		}

		if len(encoded) > MaxBytes {
			if kept == 0 {
				return nil, &RecordTooLargeError{ID: m.ID, Size: len(encoded)}
			}
			res.Split = true
			break
		}

		fields = trialFields
		attachments = trialAtt
		kept++
		res.LastKeptID = m.ID
		res.Payload = p
		res.Encoded = encoded
	}

	if res.Payload == nil {
		// Every record was corrupt. Nothing to sync this cycle.
		return res, nil
	}

	return res, nil
}

// payload assembles a Payload value with deterministic metadata.
// GeneratedAt is the cycle start, not the wall clock, so a resumed build
// reproduces the original bytes.
func (b *Builder) payload(batch *queue.Batch, fields map[string]interface{}, att []Attachment, count int) *Payload {
	return &Payload{
		UserID:      b.UserID,
		DeviceID:    b.DeviceID,
		Seq:         batch.Seq,
		GeneratedAt: batch.StartedAt,
		Fields:      fields,
		Attachments: att,
		RecordCount: count,
	}
}

// decodeRecord parses a mutation's fields, separating artifact references
// from state fields.
func decodeRecord(m *queue.Mutation) (map[string]interface{}, *Attachment, error) {
	var f map[string]interface{}
	if err := json.Unmarshal(m.Fields, &f); err != nil {
		return nil, nil, fmt.Errorf("fields do not parse: %w", err)
	}
	if len(f) == 0 {
		return nil, nil, fmt.Errorf("fields are empty")
	}

	if m.Kind == queue.KindPayloadAttached {
		key, ok := f["artifact_key"].(string)
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("payload_attached record missing artifact_key")
		}
		local, ok := f["local_path"].(string)
		if !ok || local == "" {
			return nil, nil, fmt.Errorf("payload_attached record missing local_path")
		}
		return map[string]interface{}{}, &Attachment{Key: key, LocalPath: local}, nil
	}

	return f, nil, nil
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
