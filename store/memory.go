package store

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	value   []byte
	cas     uint64
	expires time.Time
}

type memoryKey struct {
	ns  string
	key string
}

// MemoryStore is an in-process [Store] used by tests and single-node
// deployments. Expired records are reaped lazily on access.
type MemoryStore struct {
	mu   sync.Mutex
	data map[memoryKey]*memoryRecord
	seq  uint64
	now  func() time.Time
}

// MemoryStoreOptions contains options for a [MemoryStore].
type MemoryStoreOptions struct {
	// Clock overrides the time source, used by tests.
	Clock func() time.Time
}

func (o *MemoryStoreOptions) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

// NewMemoryStore creates a new in-memory store.
// Options are optional, default options are used if nil.
func NewMemoryStore(opts *MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{
		data: make(map[memoryKey]*memoryRecord),
		now:  opts.clock(),
	}
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(memoryKey{namespace, key})
	if rec == nil {
		return nil, 0, ErrNotFound //errtrace:skip
	}
	val := make([]byte, len(rec.value))
	copy(val, rec.value)
	return val, rec.cas, nil
}

// Set implements [Store].
func (s *MemoryStore) Set(_ context.Context, namespace, key string, value []byte, cas uint64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{namespace, key}
	rec := s.live(k)

	if cas == 0 {
		if rec != nil {
			return ErrContention //errtrace:skip
		}
	} else if rec == nil || rec.cas != cas {
		return ErrContention //errtrace:skip
	}

	s.seq++
	s.data[k] = &memoryRecord{
		value:   append([]byte(nil), value...),
		cas:     s.seq,
		expires: s.now().Add(ttl),
	}
	return nil
}

// live returns the unexpired record for the key, reaping it otherwise.
// Callers must hold the lock.
func (s *MemoryStore) live(k memoryKey) *memoryRecord {
	rec, ok := s.data[k]
	if !ok {
		return nil
	}
	if !rec.expires.After(s.now()) {
		delete(s.data, k)
		return nil
	}
	return rec
}
