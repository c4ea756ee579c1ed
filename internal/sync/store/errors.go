package store

import (
	"context"
	"errors"
	"net"
)

// ErrNotFound is returned by Get/GetState when no record exists for the key.
//
// Check with errors.Is:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // first sync for this user
//	}
var ErrNotFound = errors.New("record not found")

// ConnectivityError indicates the store was unreachable: the network path
// dropped mid-call. It is transient and is never counted against a retry
// budget; the engine waits for the next connectivity window instead.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return "connectivity lost during " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// PayloadWriteError indicates a payload upload was rejected or failed for a
// reason other than connectivity. Retryable with a bounded budget.
type PayloadWriteError struct {
	Key string
	Err error
}

func (e *PayloadWriteError) Error() string {
	return "payload write failed for " + e.Key + ": " + e.Err.Error()
}

func (e *PayloadWriteError) Unwrap() error { return e.Err }

// MetadataWriteError indicates a metadata write failed for a reason other
// than connectivity. Retryable with a bounded budget: the payload is
// already safely stored by the time metadata is written, so retrying costs
// nothing extra.
type MetadataWriteError struct {
	UserID string
	Err    error
}

func (e *MetadataWriteError) Error() string {
	return "metadata write failed for " + e.UserID + ": " + e.Err.Error()
}

func (e *MetadataWriteError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err represents a lost network path rather
// than a store-level failure.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	// Raw transport errors that escaped classification.
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is worth retrying against a bounded
// attempt budget. Connectivity errors are NOT retryable in this sense;
// they are handled by waiting for the next window.
func IsRetryable(err error) bool {
	if err == nil || IsConnectivity(err) {
		return false
	}
	var pe *PayloadWriteError
	if errors.As(err, &pe) {
		return true
	}
	var me *MetadataWriteError
	if errors.As(err, &me) {
		return true
	}
	return false
}

// Classify wraps a transport-level error as ConnectivityError when the
// network path itself failed, or returns nil for a nil error. Store
// implementations use it before falling back to their typed write errors.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityError{Op: op, Err: err}
	}
	return err
}
