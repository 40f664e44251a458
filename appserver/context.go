package appserver

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/telscale/edgecore/internal/errorutil"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/sip"
	"github.com/telscale/edgecore/telemetry"
)

// Phase represents the lifecycle phase of a service transaction.
type Phase string

const (
	// PhaseInitial means the context is freshly created and the initial
	// request callback is running or about to run.
	PhaseInitial Phase = "initial"
	// PhaseForked means at least one target was added (or the original
	// Request-URI was forked implicitly) and responses are awaited.
	PhaseForked Phase = "forked"
	// PhaseCancelling means an upstream cancel arrived and CANCEL was
	// issued to every live fork.
	PhaseCancelling Phase = "cancelling"
	// PhaseTerminated means the transaction finished: rejected, answered,
	// or consolidated.
	PhaseTerminated Phase = "terminated"
)

const (
	triggerReject   = "reject"
	triggerFork     = "fork"
	triggerCancel   = "cancel"
	triggerComplete = "complete"
)

// TransactionOptions contains options for a [ServiceTransaction].
type TransactionOptions struct {
	// DialogID is the pre-existing dialog id when the service is invoked
	// for an in-dialog request, empty for initial requests.
	DialogID string
	// Resolver resolves fork target URIs to downstream destinations.
	// If nil, resolution is left to the transport layer.
	Resolver TargetResolver
	// Metrics receives per-service counters. May be nil.
	Metrics *telemetry.Metrics
	// Logger is the logger used by the transaction.
	// If nil, [log.Noop] is used.
	Logger *slog.Logger
	// OnDialog is invoked when the service joins the dialog, with the
	// chosen dialog id. The owner uses it to route later in-dialog
	// requests back to the same service.
	OnDialog func(dialogID string)
}

func (o *TransactionOptions) dialogID() string {
	if o == nil {
		return ""
	}
	return o.DialogID
}

func (o *TransactionOptions) resolver() TargetResolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

func (o *TransactionOptions) metrics() *telemetry.Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *TransactionOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Noop
	}
	return o.Logger
}

func (o *TransactionOptions) onDialog() func(string) {
	if o == nil {
		return nil
	}
	return o.OnDialog
}

// ServiceTransaction drives a single SIP server transaction through one
// application service: it owns the forks the service creates, consolidates
// downstream responses into the upstream answer, and tracks the phase
// machine INITIAL -> FORKED -> CANCELLING -> TERMINATED.
//
// The context is not internally locked: the transport's transaction layer
// serializes event delivery per transaction, so exactly one goroutine
// enters it at any instant.
type ServiceTransaction struct {
	txnID   string
	service string
	trail   string
	origReq *sip.Request
	handler TransactionHandler

	phases *stateless.StateMachine
	forks  []*Fork
	// pending holds ids of forks created but not yet sent downstream.
	pending []int

	upstream   Upstream
	downstream Downstream
	resolver   TargetResolver
	metrics    *telemetry.Metrics
	log        *slog.Logger
	onDialog   func(string)

	dialogID  string
	inInitial bool
	rejection *sip.Response
	best      *sip.Response
	finalSent bool

	// ctx is the context of the inward call currently executing; outward
	// operations invoked from handler callbacks run under it.
	ctx context.Context
}

// NewServiceTransaction creates the service transaction context for the
// given request and asks the service for a handler. It returns (nil, nil)
// when the service declines the request.
func NewServiceTransaction(
	txnID string,
	as AppServer,
	req *sip.Request,
	up Upstream,
	down Downstream,
	opts *TransactionOptions,
) (*ServiceTransaction, error) {
	if as == nil || up == nil || down == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil collaborator"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}

	tx := &ServiceTransaction{
		txnID:      txnID,
		service:    as.ServiceName(),
		trail:      req.Trail(),
		origReq:    req,
		upstream:   up,
		downstream: down,
		resolver:   opts.resolver(),
		metrics:    opts.metrics(),
		onDialog:   opts.onDialog(),
		dialogID:   opts.dialogID(),
		ctx:        context.Background(),
	}
	tx.log = opts.logger().With("transaction", tx)

	sm := stateless.NewStateMachine(PhaseInitial)
	sm.Configure(PhaseInitial).
		Permit(triggerReject, PhaseTerminated).
		Permit(triggerFork, PhaseForked)
	sm.Configure(PhaseForked).
		Permit(triggerCancel, PhaseCancelling).
		Permit(triggerComplete, PhaseTerminated)
	sm.Configure(PhaseCancelling).
		Permit(triggerComplete, PhaseTerminated)
	tx.phases = sm

	handler := as.GetContext(tx, req, tx.dialogID)
	if handler == nil {
		return nil, nil
	}
	tx.handler = handler
	return tx, nil
}

// Phase returns the current phase of the transaction.
func (tx *ServiceTransaction) Phase() Phase {
	return tx.phases.MustState().(Phase) //nolint:forcetypeassert
}

// Forks returns the forks created so far, in id order.
func (tx *ServiceTransaction) Forks() []*Fork { return tx.forks }

// LogValue implements [slog.LogValuer].
func (tx *ServiceTransaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", tx.txnID),
		slog.String("service", tx.service),
		slog.String("trail", tx.trail),
	)
}

// --- outward contract (ServiceContext) ---

// AddToDialog implements [ServiceContext].
func (tx *ServiceTransaction) AddToDialog(dialogID string) error {
	if !tx.inInitial {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"add_to_dialog outside initial request handling"))
	}
	if dialogID == "" {
		dialogID = DefaultDialogID(tx.origReq)
	}
	tx.dialogID = dialogID
	if tx.onDialog != nil {
		tx.onDialog(dialogID)
	}
	return nil
}

// DialogID implements [ServiceContext].
func (tx *ServiceTransaction) DialogID() string { return tx.dialogID }

// CloneRequest implements [ServiceContext].
func (tx *ServiceTransaction) CloneRequest(req *sip.Request) *sip.Request {
	return req.Clone()
}

// AddTarget implements [ServiceContext].
func (tx *ServiceTransaction) AddTarget(uri string, req *sip.Request) (int, error) {
	if uri == "" {
		return 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty target uri"))
	}
	switch phase := tx.Phase(); phase {
	case PhaseInitial, PhaseForked:
	default:
		return 0, errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"add_target in phase %s", phase))
	}
	f := tx.addFork(uri, req)
	tx.log.DebugContext(tx.ctx, "target added", "fork", f)
	return f.id, nil
}

// Reject implements [ServiceContext].
func (tx *ServiceTransaction) Reject(status sip.ResponseStatus, reason string) error {
	if !tx.inInitial {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"reject outside initial request handling"))
	}
	if !status.IsFinal() {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("reject status %d", status))
	}
	res := sip.NewResponse(tx.origReq, status, reason)
	res.SetTrail(tx.trail)
	tx.rejection = res
	return nil
}

// SendResponse implements [ServiceContext].
func (tx *ServiceTransaction) SendResponse(res *sip.Response) error {
	if res == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil response"))
	}
	res.SetTrail(tx.trail)

	if res.Status.IsFinal() {
		tx.finalSent = true
		// A final answer on a forked INVITE makes the outstanding forks moot.
		if tx.origReq.IsInvite() {
			tx.cancelOutstanding()
		}
	}
	if err := tx.upstream.SendResponse(tx.ctx, res); err != nil {
		return errtrace.Wrap(err)
	}
	if res.Status.IsFinal() && !tx.inInitial {
		return errtrace.Wrap(tx.maybeComplete())
	}
	return nil
}

// Trail implements [ServiceContext].
func (tx *ServiceTransaction) Trail() string { return tx.trail }

// --- inward contract (driven by the transport layer) ---

// ProcessInitialRequest runs the initial-request callback and then either
// rejects the transaction or forks the request to the collected targets,
// falling back to a single implicit fork of the original Request-URI.
func (tx *ServiceTransaction) ProcessInitialRequest(ctx context.Context) error {
	tx.ctx = ctx
	tx.metrics.IncASRequest(tx.service)
	tx.log.DebugContext(ctx, "initial request", "request", tx.origReq)

	tx.inInitial = true
	tx.handler.OnInitialRequest(tx.origReq)
	tx.inInitial = false

	if tx.rejection != nil {
		if err := tx.phases.Fire(triggerReject); err != nil {
			return errtrace.Wrap(err)
		}
		// Targets collected before the reject are abandoned unsent.
		tx.pending = nil
		for _, f := range tx.forks {
			f.state = ForkStateCancelled
		}
		tx.finalSent = true
		return errtrace.Wrap(tx.upstream.SendResponse(ctx, tx.rejection))
	}
	if tx.finalSent {
		// The service answered the request itself during the callback.
		return errtrace.Wrap(tx.phases.Fire(triggerReject))
	}

	if len(tx.forks) == 0 {
		tx.addFork(tx.origReq.URI, nil)
	}
	if err := tx.phases.Fire(triggerFork); err != nil {
		return errtrace.Wrap(err)
	}
	tx.flushPending()
	return errtrace.Wrap(tx.maybeComplete())
}

// ProcessInDialogRequest runs the in-dialog callback and forwards the
// request with the same fork semantics as the initial request, except
// that rejection is not available.
func (tx *ServiceTransaction) ProcessInDialogRequest(ctx context.Context, req *sip.Request) error {
	tx.ctx = ctx
	tx.metrics.IncASRequest(tx.service)
	tx.log.DebugContext(ctx, "in-dialog request", "request", req)

	tx.handler.OnInDialogRequest(req)

	if tx.finalSent {
		return errtrace.Wrap(tx.phases.Fire(triggerReject))
	}
	if len(tx.forks) == 0 {
		tx.addFork(req.URI, req)
	}
	if err := tx.phases.Fire(triggerFork); err != nil {
		return errtrace.Wrap(err)
	}
	tx.flushPending()
	return errtrace.Wrap(tx.maybeComplete())
}

// ProcessResponse delivers a downstream response to the service and
// consolidates it into the upstream answer.
func (tx *ServiceTransaction) ProcessResponse(ctx context.Context, res *sip.Response, forkID int) error {
	tx.ctx = ctx
	if forkID < 0 || forkID >= len(tx.forks) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownFork, "fork %d", forkID))
	}
	f := tx.forks[forkID]
	if f.state.terminal() {
		// Late or retransmitted response on a finished fork.
		tx.log.DebugContext(ctx, "response on terminal fork dropped", "fork", f, "response", res)
		return nil
	}

	sts := res.Status
	switch {
	case sts.IsProvisional():
		if sts != sip.StatusTrying {
			f.state = ForkStateProceeding
		}
	default:
		f.state = ForkStateCompleted
		f.final = res
	}
	tx.metrics.IncASResponse(tx.service, int(sts))
	tx.log.DebugContext(ctx, "downstream response", "fork", f, "response", res)

	forward := tx.handler.OnResponse(res, forkID)

	// Targets added during the callback become new forks of the original
	// request (recursive forking).
	tx.flushPending()

	if !forward {
		return errtrace.Wrap(tx.maybeComplete())
	}

	switch {
	case sts.IsProvisional():
		// 100 is hop-by-hop and never forwarded; other provisionals pass
		// once per fork, then only on a strictly higher code.
		if sts == sip.StatusTrying {
			return nil
		}
		if f.lastProv == 0 || sts > f.lastProv {
			f.lastProv = sts
			return errtrace.Wrap(tx.upstream.SendResponse(ctx, res))
		}
		return nil
	case sts.IsSuccess():
		// 2xx goes upstream immediately; the remaining forks stay active
		// until they answer, for proper ACK handling.
		tx.finalSent = true
		if err := tx.upstream.SendResponse(ctx, res); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(tx.maybeComplete())
	default:
		if tx.best == nil || betterResponse(res, tx.best) {
			tx.best = res
		}
		return errtrace.Wrap(tx.maybeComplete())
	}
}

// ProcessForkFailure converts a transport or timeout failure of a fork
// into a synthetic 408 and delivers it through the response path.
func (tx *ServiceTransaction) ProcessForkFailure(ctx context.Context, forkID int) error {
	if forkID < 0 || forkID >= len(tx.forks) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownFork, "fork %d", forkID))
	}
	res := sip.NewResponse(tx.origReq, sip.StatusRequestTimeout, "")
	res.SetTrail(tx.trail)
	return errtrace.Wrap(tx.ProcessResponse(ctx, res, forkID))
}

// ProcessCancel handles an upstream cancellation: 487 for a received
// CANCEL, 408 for an upstream transport failure. The service's OnCancel
// runs first, then the remaining forks are cancelled and the transaction
// terminates.
func (tx *ServiceTransaction) ProcessCancel(ctx context.Context, status sip.ResponseStatus) error {
	tx.ctx = ctx
	if err := tx.phases.Fire(triggerCancel); err != nil {
		return errtrace.Wrap(err)
	}
	tx.log.DebugContext(ctx, "upstream cancel", "status", int(status))

	tx.handler.OnCancel(status)
	tx.cancelOutstanding()

	if status == sip.StatusRequestTerminated && !tx.finalSent {
		tx.finalSent = true
		res := sip.NewResponse(tx.origReq, sip.StatusRequestTerminated, "")
		res.SetTrail(tx.trail)
		if err := tx.upstream.SendResponse(ctx, res); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return errtrace.Wrap(tx.maybeComplete())
}

// --- internals ---

func (tx *ServiceTransaction) addFork(uri string, req *sip.Request) *Fork {
	if req == nil {
		req = tx.origReq
	}
	f := &Fork{
		id:     len(tx.forks),
		target: uri,
		req:    req,
		state:  ForkStateCalling,
	}
	tx.forks = append(tx.forks, f)
	tx.pending = append(tx.pending, f.id)
	return f
}

// flushPending sends every fork created since the last flush. A resolve
// or send failure surfaces as a synthetic 408 on that fork.
func (tx *ServiceTransaction) flushPending() {
	pending := tx.pending
	tx.pending = nil
	for _, id := range pending {
		f := tx.forks[id]

		req := f.req.Clone()
		req.URI = f.target
		req.SetTrail(tx.trail)

		var addrs []Target
		if tx.resolver != nil {
			var err error
			addrs, err = tx.resolver.ResolveTarget(tx.ctx, f.target)
			if err != nil {
				tx.log.WarnContext(tx.ctx, "target resolution failed", "fork", f, "error", err)
				tx.failFork(f)
				continue
			}
		}
		if err := tx.downstream.SendRequest(tx.ctx, f.id, req, addrs); err != nil {
			tx.log.WarnContext(tx.ctx, "fork send failed", "fork", f, "error", err)
			tx.failFork(f)
			continue
		}
		f.sent = true
	}
}

func (tx *ServiceTransaction) failFork(f *Fork) {
	res := sip.NewResponse(tx.origReq, sip.StatusRequestTimeout, "")
	res.SetTrail(tx.trail)
	if err := tx.ProcessResponse(tx.ctx, res, f.id); err != nil {
		tx.log.ErrorContext(tx.ctx, "synthetic 408 delivery failed", "fork", f, "error", err)
	}
}

func (tx *ServiceTransaction) cancelOutstanding() {
	for _, f := range tx.forks {
		if f.state.terminal() {
			continue
		}
		f.state = ForkStateCancelled
		if !f.sent {
			continue
		}
		if err := tx.downstream.CancelRequest(tx.ctx, f.id); err != nil {
			tx.log.WarnContext(tx.ctx, "fork cancel failed", "fork", f, "error", err)
		}
	}
}

// maybeComplete forwards the consolidated best response and terminates the
// transaction once every fork has reached a terminal state.
func (tx *ServiceTransaction) maybeComplete() error {
	switch tx.Phase() {
	case PhaseForked, PhaseCancelling:
	default:
		return nil
	}
	for _, f := range tx.forks {
		if !f.state.terminal() {
			return nil
		}
	}

	if !tx.finalSent {
		best := tx.best
		if best == nil {
			// Every final was swallowed by the service and nothing was
			// sent in its place; a request must never vanish silently.
			best = sip.NewResponse(tx.origReq, sip.StatusRequestTimeout, "")
			best.SetTrail(tx.trail)
		}
		tx.finalSent = true
		if err := tx.upstream.SendResponse(tx.ctx, best); err != nil {
			return errtrace.Wrap(err)
		}
	}
	tx.log.DebugContext(tx.ctx, "transaction terminated", "forks", len(tx.forks))
	return errtrace.Wrap(tx.phases.Fire(triggerComplete))
}

// DefaultDialogID derives the dialog identifier from the request's
// Call-ID and From/To tags.
func DefaultDialogID(req *sip.Request) string {
	return fmt.Sprintf("%s;from-tag=%s;to-tag=%s", req.CallID(), req.FromTag(), req.ToTag())
}
