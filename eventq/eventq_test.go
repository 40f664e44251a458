package eventq_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telscale/edgecore/eventq"
)

// fakeClock is a manually advanced time source.
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

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := eventq.New[int](nil)
	for i := 0; i < 5; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("q.Push(%d) error = %v, want nil", i, err)
		}
	}
	if got, want := q.Len(), 5; got != want {
		t.Fatalf("q.Len() = %d, want %d", got, want)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("q.Pop() ok = false, want true")
		}
		if v != i {
			t.Fatalf("q.Pop() = %d, want %d", v, i)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := eventq.New[string](nil)

	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	if err := q.Push("work"); err != nil {
		t.Fatalf("q.Push() error = %v, want nil", err)
	}

	select {
	case v := <-got:
		if v != "work" {
			t.Fatalf("q.Pop() = %q, want %q", v, "work")
		}
	case <-time.After(time.Second):
		t.Fatal("q.Pop() did not return after push")
	}
}

func TestQueue_TerminateUnblocksPop(t *testing.T) {
	t.Parallel()

	q := eventq.New[int](nil)

	done := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, ok := q.Pop()
			done <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Terminate()

	for i := 0; i < 3; i++ {
		select {
		case ok := <-done:
			if ok {
				t.Fatal("q.Pop() ok = true after terminate, want false")
			}
		case <-time.After(time.Second):
			t.Fatal("q.Pop() still blocked after terminate")
		}
	}

	if err := q.Push(1); !errors.Is(err, eventq.ErrTerminated) {
		t.Fatalf("q.Push() error = %v, want %v", err, eventq.ErrTerminated)
	}
}

func TestQueue_DepthSampledOnPush(t *testing.T) {
	t.Parallel()

	var depths []int
	q := eventq.New[int](&eventq.Options{
		OnDepth: func(depth int) { depths = append(depths, depth) },
	})

	for i := 0; i < 3; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("q.Push(%d) error = %v, want nil", i, err)
		}
	}

	want := []int{1, 2, 3}
	if len(depths) != len(want) {
		t.Fatalf("depth samples = %v, want %v", depths, want)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Fatalf("depth samples = %v, want %v", depths, want)
		}
	}
}

func TestQueue_DeadlockDetection(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := eventq.New[int](&eventq.Options{
		DeadlockThreshold: 4 * time.Second,
		Clock:             clock.Now,
	})

	if q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = true on empty queue, want false")
	}

	if err := q.Push(1); err != nil {
		t.Fatalf("q.Push() error = %v, want nil", err)
	}
	if q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = true immediately after push, want false")
	}

	clock.Advance(3 * time.Second)
	if q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = true before threshold, want false")
	}

	clock.Advance(2 * time.Second)
	if !q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = false with stale head and no pops, want true")
	}

	// A pop within the window clears the condition for fresh items.
	if _, ok := q.Pop(); !ok {
		t.Fatal("q.Pop() ok = false, want true")
	}
	if err := q.Push(2); err != nil {
		t.Fatalf("q.Push() error = %v, want nil", err)
	}
	clock.Advance(5 * time.Second)
	if !q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = false after window passed again, want true")
	}
}

func TestQueue_DeadlockNeedsStalePops(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := eventq.New[int](&eventq.Options{
		DeadlockThreshold: 4 * time.Second,
		Clock:             clock.Now,
	})

	// Keep a head item stale while pops keep happening on later items:
	// the queue is busy, not deadlocked.
	if err := q.Push(1); err != nil {
		t.Fatalf("q.Push() error = %v, want nil", err)
	}
	if err := q.Push(2); err != nil {
		t.Fatalf("q.Push() error = %v, want nil", err)
	}
	clock.Advance(5 * time.Second)
	if _, ok := q.Pop(); !ok {
		t.Fatal("q.Pop() ok = false, want true")
	}
	// Head (item 2) is past the threshold, but a pop just happened.
	if q.IsDeadlocked() {
		t.Fatal("q.IsDeadlocked() = true right after a pop, want false")
	}
}
