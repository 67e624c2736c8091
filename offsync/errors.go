// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors of the offline layer. The UI is only ever shown these
// classified conditions, never raw transport errors.
var (
	// ErrOfflineUnavailable: a read was requested offline with no usable
	// cache entry.
	ErrOfflineUnavailable = errors.New("offline and no usable cached data")

	// ErrRequiresConnectivity: an online-only mutation was attempted
	// offline. Never queued.
	ErrRequiresConnectivity = errors.New("operation requires connectivity")

	// ErrNotFound: the requested record does not exist (locally or on the
	// server, depending on the caller).
	ErrNotFound = errors.New("record not found")

	// ErrSyncInProgress: a sync trigger arrived while a cycle was already
	// running; the trigger coalesces into the in-progress cycle.
	ErrSyncInProgress = errors.New("sync cycle already in progress")
)

// StorageError wraps a failure of the local persistence engine (quota,
// corruption, locked database). Callers must not assume a write
// succeeded unless it returned without one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for operation op.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// HTTPError carries a non-2xx backend response so callers can classify
// it without string matching.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Class partitions failures into the two recovery paths of the retry
// policy.
type Class int

const (
	// Transient failures (timeout, connection refused, 5xx) are recovered
	// via the mutation queue retry/backoff policy.
	Transient Class = iota
	// Permanent failures (validation, auth, business conflict) are never
	// retried automatically; they surface to the user on the mutation.
	Permanent
)

// ClassifyStatus classifies an HTTP status code.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 500:
		return Transient
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient
	default:
		return Permanent
	}
}

// ClassifyError classifies a network-call failure. Unknown errors are
// treated as transient so a flaky link never turns a valid mutation into
// a permanent failure.
func ClassifyError(err error) Class {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyStatus(httpErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, ErrNotFound) {
		return Permanent
	}
	return Transient
}
