// Package gcs implements the payload store on Google Cloud Storage.
//
// Delta payloads upload under the sync/ prefix, which the cloud-side
// ingestion pipeline triggers on. Writes are whole-object replacements,
// so retrying a deterministic key is idempotent.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	syncstore "github.com/studaxis/studaxis-sync/internal/sync/store"
)

// Store is a PayloadStore backed by a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a payload store for the given bucket.
//
// credentialsFile may be empty, in which case application default
// credentials are used.
func New(ctx context.Context, bucket, credentialsFile string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put uploads data under key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return s.writeError(key, fmt.Errorf("failed to write object %s: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return s.writeError(key, fmt.Errorf("failed to finalize object %s: %w", key, err))
	}

	return nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, syncstore.ErrNotFound
		}
		return nil, syncstore.Classify("get", fmt.Errorf("failed to open object %s: %w", key, err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, syncstore.Classify("get", fmt.Errorf("failed to read object %s: %w", key, err))
	}

	return data, nil
}

// SignedURL returns a time-limited GET URL for the object.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", key, err)
	}
	return url, nil
}

// writeError classifies a failed upload: connectivity loss surfaces as
// such so the engine defers instead of retrying into a dead link.
func (s *Store) writeError(key string, err error) error {
	classified := syncstore.Classify("put", err)
	if syncstore.IsConnectivity(classified) {
		return classified
	}
	return &syncstore.PayloadWriteError{Key: key, Err: err}
}
