package store_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telscale/edgecore/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(nil)
	_, _, err := s.Get(t.Context(), "reg", "sip:a@x")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("s.Get() error = %v, want %v", err, store.ErrNotFound)
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(nil)
	ctx := t.Context()

	if err := s.Set(ctx, "reg", "sip:a@x", []byte("v1"), 0, time.Minute); err != nil {
		t.Fatalf("s.Set(cas=0) error = %v, want nil", err)
	}

	val, cas, err := s.Get(ctx, "reg", "sip:a@x")
	if err != nil {
		t.Fatalf("s.Get() error = %v, want nil", err)
	}
	if !bytes.Equal(val, []byte("v1")) {
		t.Fatalf("s.Get() value = %q, want %q", val, "v1")
	}
	if cas == 0 {
		t.Fatal("s.Get() cas = 0, want non-zero")
	}
}

func TestMemoryStore_InsertContention(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(nil)
	ctx := t.Context()

	if err := s.Set(ctx, "reg", "k", []byte("first"), 0, time.Minute); err != nil {
		t.Fatalf("first s.Set(cas=0) error = %v, want nil", err)
	}
	if err := s.Set(ctx, "reg", "k", []byte("second"), 0, time.Minute); !errors.Is(err, store.ErrContention) {
		t.Fatalf("second s.Set(cas=0) error = %v, want %v", err, store.ErrContention)
	}
}

func TestMemoryStore_CASMismatch(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(nil)
	ctx := t.Context()

	if err := s.Set(ctx, "reg", "k", []byte("v1"), 0, time.Minute); err != nil {
		t.Fatalf("s.Set(cas=0) error = %v, want nil", err)
	}
	_, cas, err := s.Get(ctx, "reg", "k")
	if err != nil {
		t.Fatalf("s.Get() error = %v, want nil", err)
	}

	if err := s.Set(ctx, "reg", "k", []byte("v2"), cas, time.Minute); err != nil {
		t.Fatalf("s.Set(matching cas) error = %v, want nil", err)
	}
	if err := s.Set(ctx, "reg", "k", []byte("v3"), cas, time.Minute); !errors.Is(err, store.ErrContention) {
		t.Fatalf("s.Set(stale cas) error = %v, want %v", err, store.ErrContention)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := store.NewMemoryStore(&store.MemoryStoreOptions{Clock: clock.Now})
	ctx := t.Context()

	if err := s.Set(ctx, "reg", "k", []byte("v"), 0, 30*time.Second); err != nil {
		t.Fatalf("s.Set() error = %v, want nil", err)
	}

	clock.Advance(29 * time.Second)
	if _, _, err := s.Get(ctx, "reg", "k"); err != nil {
		t.Fatalf("s.Get() before expiry error = %v, want nil", err)
	}

	clock.Advance(2 * time.Second)
	if _, _, err := s.Get(ctx, "reg", "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("s.Get() after expiry error = %v, want %v", err, store.ErrNotFound)
	}

	// An expired record no longer blocks a fresh insert.
	if err := s.Set(ctx, "reg", "k", []byte("v2"), 0, time.Minute); err != nil {
		t.Fatalf("s.Set(cas=0) after expiry error = %v, want nil", err)
	}
}

func TestMemoryStore_NearZeroTTLDeletes(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore(nil)
	ctx := t.Context()

	if err := s.Set(ctx, "reg", "k", []byte("v"), 0, time.Minute); err != nil {
		t.Fatalf("s.Set() error = %v, want nil", err)
	}
	_, cas, err := s.Get(ctx, "reg", "k")
	if err != nil {
		t.Fatalf("s.Get() error = %v, want nil", err)
	}

	// Deletion is a CAS write of an empty value with a near-zero TTL.
	if err := s.Set(ctx, "reg", "k", nil, cas, 0); err != nil {
		t.Fatalf("s.Set(ttl=0) error = %v, want nil", err)
	}
	if _, _, err := s.Get(ctx, "reg", "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("s.Get() after delete error = %v, want %v", err, store.ErrNotFound)
	}
}
