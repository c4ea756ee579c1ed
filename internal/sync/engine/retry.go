package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/studaxis/studaxis-sync/internal/sync/store"
)

// RetryPolicy controls bounded retry with exponential backoff for remote
// store operations.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Sleep overrides time.Sleep in tests. Nil means real sleeping with
	// jitter applied.
	Sleep func(time.Duration)
}

// PayloadRetryPolicy is the default policy for payload store writes.
func PayloadRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// MetadataRetryPolicy is the default policy for metadata store writes.
// More attempts with shorter waits: metadata rows are tiny and the
// payload is already committed by the time these run.
func MetadataRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second}
}

// Delay returns the backoff before the given attempt (1-based; attempt 1
// has no delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay << (attempt - 2)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn under the policy.
//
// Transient store errors retry with backoff. Connectivity loss aborts
// immediately; the caller defers to the next connectivity window instead
// of burning the budget against a dead link.
// Non-retryable errors (validation, malformed data) also stop at once.
func (p RetryPolicy) Do(ctx context.Context, logger *log.Logger, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			if p.Sleep != nil {
				p.Sleep(delay)
			} else {
				// Full jitter to avoid synchronized retries across devices.
				jittered := time.Duration(rand.Int63n(int64(delay))) + delay/2
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(jittered):
				}
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if store.IsConnectivity(lastErr) {
			logger.Printf("%s: connectivity lost, deferring: %v", op, lastErr)
			return lastErr
		}
		if !store.IsRetryable(lastErr) {
			return lastErr
		}

		logger.Printf("%s: attempt %d/%d failed: %v", op, attempt, p.MaxAttempts, lastErr)
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
