// Package appserver implements the application-service layer of the edge
// node: a registry of named in-process services, and the per-transaction
// context that lets a service fork a request downstream, consolidate the
// responses and drive the upstream transaction.
package appserver

import (
	"context"
	"net/netip"

	"github.com/telscale/edgecore/internal/errorutil"
	"github.com/telscale/edgecore/sip"
)

// Errors returned by the service transaction context.
const (
	// ErrActionNotAllowed is returned when an operation is invoked outside
	// of its permitted transaction phase.
	ErrActionNotAllowed errorutil.Error = "action not allowed"
	// ErrUnknownFork is returned when a response refers to a fork id the
	// context never assigned.
	ErrUnknownFork errorutil.Error = "unknown fork"
)

// AppServer is a pluggable application service. Implementations are
// registered by service name during startup; the service is invoked when
// an initial filter criterion designates a host of the form
// "<service-name>.<home-domain>", or when an in-dialog request matches a
// dialog the service previously joined with [ServiceContext.AddToDialog].
type AppServer interface {
	// ServiceName returns the lowercase name the service registers under.
	ServiceName() string
	// GetContext is called when the service should be invoked for a
	// request. It returns a per-transaction handler, or nil to decline.
	// The given ServiceContext stays valid for the handler's lifetime.
	GetContext(svc ServiceContext, req *sip.Request, dialogID string) TransactionHandler
}

// TransactionHandler receives the callbacks for one transaction.
// Exactly one goroutine enters a handler at any instant; the transport's
// transaction layer serializes event delivery per transaction.
type TransactionHandler interface {
	// OnInitialRequest is called exactly once, with the initial request
	// that triggered the service. Unless [ServiceContext.Reject] is
	// called, on return the request is forwarded to every target added
	// with [ServiceContext.AddTarget], or to its existing Request-URI as
	// a single implicit fork when no targets were added.
	OnInitialRequest(req *sip.Request)

	// OnInDialogRequest is called with a later request that matches the
	// dialog id the service joined.
	OnInDialogRequest(req *sip.Request)

	// OnResponse is called for every downstream response, including the
	// synthetic 408 generated when a fork fails or times out. Returning
	// true forwards the response upstream after consolidation across
	// forks; returning false swallows it, and any targets added since
	// via AddTarget receive the original request as new forks.
	OnResponse(res *sip.Response, forkID int) bool

	// OnCancel is called when the upstream transaction is cancelled,
	// with 487 for a received CANCEL or 408 for a transport failure.
	// On return, the remaining downstream forks are cancelled
	// automatically.
	OnCancel(status sip.ResponseStatus)
}

// BaseHandler provides forward-through defaults for the optional handler
// callbacks. Embed it to implement only the entry points a service needs.
type BaseHandler struct{}

func (BaseHandler) OnInDialogRequest(*sip.Request) {}

func (BaseHandler) OnResponse(*sip.Response, int) bool { return true }

func (BaseHandler) OnCancel(sip.ResponseStatus) {}

// ServiceContext is the capability set handed to each service handler.
// All methods must be called from the handler callbacks; the context is
// never entered by two goroutines simultaneously.
type ServiceContext interface {
	// AddToDialog joins the service to the underlying SIP dialog under the
	// given dialog identifier, so later in-dialog requests route back to a
	// fresh context of the same service. If dialogID is empty, a default
	// identifier is derived from the request's Call-ID and tags. Valid
	// only while handling the initial request.
	AddToDialog(dialogID string) error

	// DialogID returns the dialog identifier attached to this service,
	// empty if the service never joined the dialog.
	DialogID() string

	// CloneRequest returns an independent deep copy of the request, so
	// different forks can be mutated independently.
	CloneRequest(req *sip.Request) *sip.Request

	// AddTarget adds the URI as a new target for the request and returns
	// the assigned fork identifier. If req is nil, the originally received
	// request is used. Valid while the transaction is being set up or
	// awaiting responses.
	AddTarget(uri string, req *sip.Request) (int, error)

	// Reject rejects the original request with the given status code and
	// reason. If reason is empty, the standard phrase for the code is
	// used. Valid only while handling the initial request; later
	// rejections must be sent with SendResponse.
	Reject(status sip.ResponseStatus, reason string) error

	// SendResponse sends a provisional or final response upstream. A
	// final response on a forked INVITE cancels all outstanding forks.
	SendResponse(res *sip.Response) error

	// Trail returns the trail id for event correlation on this
	// transaction.
	Trail() string
}

// Target is a resolved downstream destination for a fork.
type Target struct {
	Proto string
	Addr  netip.AddrPort
}

// TargetResolver resolves a SIP URI to downstream destinations.
// Implementations live in the resolve subpackage; a nil resolver defers
// resolution to the transport layer.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, uri string) ([]Target, error)
}

// Downstream is the transport-side plumbing the context drives to send
// and cancel forked requests. Per-fork transaction timeouts live below
// this interface; they surface back as synthetic 408 responses.
type Downstream interface {
	// SendRequest sends the forked request. Addrs carries resolved
	// destinations when a TargetResolver is configured, nil otherwise.
	SendRequest(ctx context.Context, forkID int, req *sip.Request, addrs []Target) error
	// CancelRequest cancels the downstream transaction of the fork.
	CancelRequest(ctx context.Context, forkID int) error
}

// Upstream sends responses on the upstream server transaction.
type Upstream interface {
	SendResponse(ctx context.Context, res *sip.Response) error
}
