// Package regstore maintains the registration data for each SIP address
// of record: the set of contact bindings advertised by the subscriber's
// REGISTERs, persisted through a CAS key-value store.
//
// The store itself is stateless; concurrent writers are reconciled through
// the CAS semantics of the backing store. Callers run read-modify-write
// loops: on [store.ErrContention] they re-read the record, re-apply the
// intended mutation and retry. The retry bound is caller policy.
package regstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/telscale/edgecore/internal/errorutil"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/store"
)

// Namespace is the data-store namespace holding registration records.
// Keys are canonicalized AoR URIs.
const Namespace = "reg"

// Store reads and writes per-AoR registration records.
type Store struct {
	data store.Store
	log  *slog.Logger
	now  func() time.Time
}

// Options contains options for a registration [Store].
type Options struct {
	// Logger is the logger used by the store.
	// If nil, [log.Noop] is used.
	Logger *slog.Logger
	// Clock overrides the time source, used by tests.
	Clock func() time.Time
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Noop
	}
	return o.Logger
}

func (o *Options) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

// New creates a registration store over the given data store.
// Options are optional, default options are used if nil (see [Options]).
func New(data store.Store, opts *Options) (*Store, error) {
	if data == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil data store"))
	}
	return &Store{
		data: data,
		log:  opts.logger(),
		now:  opts.clock(),
	}, nil
}

// GetAoRData retrieves the registration data for the given address of
// record. If the store holds no record, an empty AoR with CAS 0 is
// returned so the caller can populate and insert it. On a transient store
// failure it returns nil and the error; callers must treat that as
// retryable.
func (s *Store) GetAoRData(ctx context.Context, aorID string) (*AoR, error) {
	s.log.DebugContext(ctx, "get AoR data", "aor", aorID)

	data, cas, err := s.data.Get(ctx, Namespace, aorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.DebugContext(ctx, "no record found, creating blank AoR", "aor", aorID)
		return NewAoR(), nil
	case err != nil:
		return nil, errtrace.Wrap(err)
	}

	aor, err := deserializeAoR(data)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	aor.CAS = cas
	s.log.DebugContext(ctx, "record found", "aor", aorID, "record", aor)
	return aor, nil
}

// SetAoRData writes the registration data for the given address of record.
// Bindings whose expiry has passed are removed before the write, and the
// record TTL is set to the latest remaining expiry. The write carries the
// AoR's CAS token; [store.ErrContention] means the record changed since it
// was read and the caller must re-read and retry.
func (s *Store) SetAoRData(ctx context.Context, aorID string, aor *AoR) error {
	now := int32(s.now().Unix())
	maxExpires := expireBindings(aor, now)

	s.log.DebugContext(ctx, "set AoR data",
		"aor", aorID,
		"record", aor,
		"ttl", log.CalcValue(func() any { return time.Duration(maxExpires-now) * time.Second }),
	)

	data := serializeAoR(aor)
	ttl := time.Duration(maxExpires-now) * time.Second
	return errtrace.Wrap(s.data.Set(ctx, Namespace, aorID, data, aor.CAS, ttl))
}

// expireBindings removes bindings that have expired by now and returns the
// latest expiry among the remaining bindings, or now if none remain.
func expireBindings(aor *AoR, now int32) int32 {
	maxExpires := now
	for id, b := range aor.All() {
		if b.Expires <= now {
			aor.RemoveBinding(id)
			continue
		}
		if b.Expires > maxExpires {
			maxExpires = b.Expires
		}
	}
	return maxExpires
}
