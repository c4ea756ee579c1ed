// Package store defines the capability interfaces the sync engine uses to
// talk to the two remote stores: a large-payload object store and a
// low-latency metadata store keyed by user identity.
//
// The orchestrator is store-agnostic: it only ever sees these interfaces.
// Production implementations live in the gcs and turso subpackages;
// tests provide in-memory fakes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/state"
)

// PayloadStore is a content-addressed blob store for large sync artifacts
// (delta payloads, chat logs, quiz attachments).
//
// Keys MUST be deterministic (derived from identity and cycle sequence or
// content, never random) so that retrying a Put after an ambiguous failure
// (timeout with unknown outcome) is naturally idempotent: re-uploading the
// same key with the same bytes is a no-op at the storage layer.
type PayloadStore interface {
	// Put uploads data under the given key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get downloads the object stored under key.
	// Returns ErrNotFound if no object exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// SignedURL returns a time-limited retrieval handle for the object,
	// suitable for handing to consumers that cannot authenticate directly.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MetadataStore holds one small, frequently-read SyncState record per user.
//
// Writes are strongly consistent from the writer's own perspective: a
// PutState followed by a GetState from the same client sees its own write.
// Reads from other clients (e.g. a dashboard) may be eventually consistent.
type MetadataStore interface {
	// PutState writes the sync state record for state.UserID.
	// Implementations apply last-writer-wins on last_sync_timestamp:
	// a write older than the stored record is dropped without error.
	PutState(ctx context.Context, st *state.SyncState) error

	// GetState reads the sync state record for userID.
	// Returns ErrNotFound if the user has never completed a sync.
	GetState(ctx context.Context, userID string) (*state.SyncState, error)
}

// PayloadKey returns the deterministic object key for the delta payload of
// a sync cycle: sync/{user_id}/cycle_{seq}.json. The sync/ prefix is what
// the cloud-side ingestion pipeline triggers on.
func PayloadKey(userID string, seq int64) string {
	return fmt.Sprintf("sync/%s/cycle_%08d.json", userID, seq)
}

// ArtifactKey returns the deterministic object key for an attached artifact,
// namespaced by artifact type and identity, e.g. chat_logs/{user_id}/{name}.
func ArtifactKey(artifactType, userID, name string) string {
	return fmt.Sprintf("%s/%s/%s", artifactType, userID, name)
}
