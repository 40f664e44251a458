// Package dispatch implements the inbound message pipeline: a receive
// hook that clones and enqueues every parsed message, and a fixed pool of
// workers that drain the queue through the next processing stage behind a
// panic barrier.
package dispatch

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/telscale/edgecore/eventq"
	"github.com/telscale/edgecore/internal/errorutil"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/sip"
	"github.com/telscale/edgecore/telemetry"
)

// retryAfterCrash is the Retry-After value sent on the 500 produced when
// downstream processing crashes.
const retryAfterCrash = "600"

// Processor is the next pipeline stage: the SIP processing that would have
// run on the transport thread had the dispatcher not absorbed the message.
type Processor interface {
	ProcessMessage(ctx context.Context, msg sip.Message)
}

// ProcessorFunc adapts a function to the [Processor] interface.
type ProcessorFunc func(ctx context.Context, msg sip.Message)

func (fn ProcessorFunc) ProcessMessage(ctx context.Context, msg sip.Message) { fn(ctx, msg) }

// StatelessResponder sends a response without engaging transaction state.
// The worker barrier uses it for the 500 it produces after a crash.
type StatelessResponder interface {
	RespondStateless(ctx context.Context, res *sip.Response) error
}

// LoadMonitor is notified after each message completes so it can adjust
// its admission target. Admission control itself lives upstream of the
// dispatcher.
type LoadMonitor interface {
	RequestComplete(latency time.Duration)
}

type eventKind uint8

const (
	eventMessage eventKind = iota
	eventCallback
)

type event struct {
	kind  eventKind
	msg   sip.Message
	cb    func()
	start time.Time
}

// Options contains options for a [Dispatcher].
type Options struct {
	// Workers is the number of worker goroutines.
	// If zero, one worker is used. A single-worker pool has distinct
	// failure semantics: a crash in downstream processing aborts the
	// process because the lone worker's state cannot be trusted.
	Workers int
	// DeadlockThreshold overrides the queue deadlock threshold.
	DeadlockThreshold time.Duration
	// Responder sends the stateless 500 after a worker crash. May be nil,
	// in which case the response is dropped with a log.
	Responder StatelessResponder
	// LoadMonitor is notified of completed messages. May be nil.
	LoadMonitor LoadMonitor
	// Metrics receives latency and queue-depth samples. May be nil.
	Metrics *telemetry.Metrics
	// Logger is the logger used by the dispatcher.
	// If nil, [log.Noop] is used.
	Logger *slog.Logger
	// Abort replaces the process abort used on deadlock and single-worker
	// crash, used by tests. If nil, the process exits.
	Abort func()
	// Clock overrides the time source, used by tests.
	Clock func() time.Time
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return 1
	}
	return o.Workers
}

func (o *Options) deadlockThreshold() time.Duration {
	if o == nil {
		return 0
	}
	return o.DeadlockThreshold
}

func (o *Options) responder() StatelessResponder {
	if o == nil {
		return nil
	}
	return o.Responder
}

func (o *Options) loadMonitor() LoadMonitor {
	if o == nil {
		return nil
	}
	return o.LoadMonitor
}

func (o *Options) metrics() *telemetry.Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Noop
	}
	return o.Logger
}

func (o *Options) abort() func() {
	if o == nil || o.Abort == nil {
		return func() { os.Exit(1) }
	}
	return o.Abort
}

func (o *Options) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

// Dispatcher owns the event queue and the worker pool. The receive hook
// [Dispatcher.OnReceive] runs on transport threads; everything downstream
// of it runs on the workers.
type Dispatcher struct {
	q       *eventq.Queue[event]
	workers int

	proc      Processor
	responder StatelessResponder
	loadMon   LoadMonitor
	metrics   *telemetry.Metrics
	log       *slog.Logger
	abort     func()
	now       func() time.Time

	wg      sync.WaitGroup
	started bool
}

// New creates a dispatcher that hands messages to the given processor.
// Options are optional, default options are used if nil (see [Options]).
func New(proc Processor, opts *Options) (*Dispatcher, error) {
	if proc == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil processor"))
	}

	d := &Dispatcher{
		workers:   opts.workers(),
		proc:      proc,
		responder: opts.responder(),
		loadMon:   opts.loadMonitor(),
		metrics:   opts.metrics(),
		log:       opts.logger(),
		abort:     opts.abort(),
		now:       opts.clock(),
	}
	d.q = eventq.New[event](&eventq.Options{
		DeadlockThreshold: opts.deadlockThreshold(),
		OnDepth:           d.metrics.ObserveQueueDepth,
		Clock:             d.now,
	})
	return d, nil
}

// Start launches the worker pool. The context is propagated to every
// downstream processing call.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
}

// Stop terminates the queue, unblocking the workers, and waits for them
// to exit.
func (d *Dispatcher) Stop() {
	d.q.Terminate()
	d.wg.Wait()
}

// OnReceive is the receive hook the transport surface invokes with every
// parsed inbound message. It clones the message independently of the
// receive buffer's lifetime, stamps the trail, and enqueues it for the
// workers. It returns true when the message was absorbed; the transport
// layer must not dispatch it further.
func (d *Dispatcher) OnReceive(msg sip.Message) bool {
	trail := msg.Trail()
	if trail == "" {
		trail = uuid.NewString()
	}
	d.log.Debug("message received", "trail", trail, "message", log.FmtValue(msg, false))

	if d.q.IsDeadlocked() {
		// The queue has not been serviced for long enough to imply every
		// worker is wedged; restarting is the only safe recovery.
		d.log.Error("worker deadlock detected, aborting", "trail", trail)
		d.abort()
		return false
	}

	clone := msg.CloneMessage()
	clone.SetTrail(trail)

	if err := d.q.Push(event{kind: eventMessage, msg: clone, start: d.now()}); err != nil {
		d.log.Warn("message dropped on terminated queue", "trail", trail)
		return false
	}
	return true
}

// AddCallback queues a deferred closure to run on a worker thread,
// interleaved in FIFO order with messages. Callbacks must not block
// indefinitely; there is no preemption.
func (d *Dispatcher) AddCallback(cb func()) error {
	if cb == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil callback"))
	}
	return errtrace.Wrap(d.q.Push(event{kind: eventCallback, cb: cb}))
}

// QueueLen returns the current queue depth.
func (d *Dispatcher) QueueLen() int { return d.q.Len() }

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	defer d.wg.Done()
	d.log.Debug("worker started", "worker", id)

	for {
		ev, ok := d.q.Pop()
		if !ok {
			d.log.Debug("worker stopped", "worker", id)
			return
		}
		switch ev.kind {
		case eventMessage:
			d.handleMessage(ctx, ev)
		case eventCallback:
			ev.cb()
		}
	}
}

// handleMessage runs one message through the next pipeline stage inside
// the panic barrier, then records its latency.
func (d *Dispatcher) handleMessage(ctx context.Context, ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.recoverCrash(ctx, ev.msg, r)
		}

		latency := d.now().Sub(ev.start)
		d.metrics.ObserveLatency(latency)
		if d.loadMon != nil {
			d.loadMon.RequestComplete(latency)
		}
	}()

	d.proc.ProcessMessage(ctx, ev.msg)
}

// recoverCrash handles a crash thrown by downstream processing. The
// diagnostics are read defensively: the message was mid-processing and
// its state cannot be trusted.
func (d *Dispatcher) recoverCrash(ctx context.Context, msg sip.Message, cause any) {
	seq, method := msg.CSeq()
	d.log.ErrorContext(ctx, "downstream processing crashed",
		"cause", log.FmtValue(cause, false),
		"trail", msg.Trail(),
		"call_id", msg.CallID(),
		"cseq", strconv.Itoa(int(seq))+" "+string(method),
	)

	if req, ok := msg.(*sip.Request); ok && !req.IsAck() {
		res := sip.NewResponse(req, sip.StatusInternalServerError, "")
		res.Headers.Set("Retry-After", retryAfterCrash)
		res.SetTrail(req.Trail())
		if d.responder == nil {
			d.log.WarnContext(ctx, "no stateless responder, 500 dropped", "trail", req.Trail())
		} else if err := d.responder.RespondStateless(ctx, res); err != nil {
			d.log.ErrorContext(ctx, "stateless 500 send failed", "trail", req.Trail(), "error", err)
		}
	}

	if d.workers == 1 {
		// The lone worker's state may be corrupt; the process cannot
		// sensibly continue.
		d.log.ErrorContext(ctx, "single worker crashed, aborting")
		d.abort()
	}
}
