// Package store defines the CAS key-value store interface backing the
// registration data, plus an in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/telscale/edgecore/internal/errorutil"
)

// Store errors.
const (
	// ErrNotFound is returned by Get when no record exists for the key.
	ErrNotFound errorutil.Error = "record not found"
	// ErrContention is returned by Set when the CAS token does not match
	// the stored version. Callers re-read and retry.
	ErrContention errorutil.Error = "cas contention"
	// ErrUnavailable is returned on transient backend failures.
	ErrUnavailable errorutil.Error = "store unavailable"
)

// NewUnavailableError creates a new error with [ErrUnavailable] or wraps
// provided error with [ErrUnavailable].
func NewUnavailableError(args ...any) error {
	return errorutil.NewWrapperError(ErrUnavailable, args...) //errtrace:skip
}

// Store is a byte-addressable key-value store with optimistic concurrency.
//
// Every Get returns the record's CAS token alongside the value. A Set with
// cas=0 inserts the record and fails with [ErrContention] if a live record
// already exists; a Set with a non-zero cas succeeds only if the stored
// version still matches. Deletion is expressed as a Set of an empty value
// with a near-zero TTL, because the underlying engine is not assumed to
// support CAS-on-delete.
type Store interface {
	// Get retrieves the record stored under (namespace, key).
	Get(ctx context.Context, namespace, key string) (value []byte, cas uint64, err error)
	// Set writes the record under (namespace, key) with the given TTL.
	Set(ctx context.Context, namespace, key string, value []byte, cas uint64, ttl time.Duration) error
}
