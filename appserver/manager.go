package appserver

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/telscale/edgecore/internal/errorutil"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/internal/syncutil"
	"github.com/telscale/edgecore/sip"
	"github.com/telscale/edgecore/telemetry"
)

// Manager routes requests to application services: initial requests via
// the filter-criterion service host, in-dialog requests via the dialog id
// the service joined earlier. Each invocation gets a fresh
// [ServiceTransaction] of the same service.
type Manager struct {
	reg        *Registry
	homeDomain string
	resolver   TargetResolver
	metrics    *telemetry.Metrics
	log        *slog.Logger

	// dialogs maps dialog id to the owning service name.
	dialogs syncutil.RWMap[string, string]
}

// ManagerOptions contains options for a [Manager].
type ManagerOptions struct {
	// Resolver resolves fork target URIs. May be nil.
	Resolver TargetResolver
	// Metrics receives per-service counters. May be nil.
	Metrics *telemetry.Metrics
	// Logger is the logger used by the manager and its transactions.
	// If nil, [log.Noop] is used.
	Logger *slog.Logger
}

func (o *ManagerOptions) resolver() TargetResolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

func (o *ManagerOptions) metrics() *telemetry.Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *ManagerOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Noop
	}
	return o.Logger
}

// NewManager creates a service manager over the given registry.
// Options are optional, default options are used if nil.
func NewManager(reg *Registry, homeDomain string, opts *ManagerOptions) (*Manager, error) {
	if reg == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil registry"))
	}
	if homeDomain == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty home domain"))
	}
	return &Manager{
		reg:        reg,
		homeDomain: homeDomain,
		resolver:   opts.resolver(),
		metrics:    opts.metrics(),
		log:        opts.logger(),
	}, nil
}

// HandleInitialRequest invokes the service designated by the filter
// criterion host for an initial request. It returns (nil, nil) when the
// host does not name a registered service or the service declines.
func (m *Manager) HandleInitialRequest(
	ctx context.Context,
	txnID string,
	req *sip.Request,
	serviceHost string,
	up Upstream,
	down Downstream,
) (*ServiceTransaction, error) {
	service, ok := ResolveServiceName(serviceHost, m.homeDomain)
	if !ok {
		return nil, nil
	}
	as := m.reg.Lookup(service)
	if as == nil {
		m.log.DebugContext(ctx, "no service registered", "service", service)
		return nil, nil
	}

	tx, err := NewServiceTransaction(txnID, as, req, up, down, &TransactionOptions{
		Resolver: m.resolver,
		Metrics:  m.metrics,
		Logger:   m.log,
		OnDialog: func(dialogID string) {
			m.dialogs.Set(dialogID, service)
		},
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tx == nil {
		m.log.DebugContext(ctx, "service declined request", "service", service, "request", req)
		return nil, nil
	}
	return tx, errtrace.Wrap(tx.ProcessInitialRequest(ctx))
}

// HandleInDialogRequest routes an in-dialog request back to the service
// that joined the dialog. It returns (nil, nil) when no service owns the
// dialog or the service declines.
func (m *Manager) HandleInDialogRequest(
	ctx context.Context,
	txnID string,
	req *sip.Request,
	dialogID string,
	up Upstream,
	down Downstream,
) (*ServiceTransaction, error) {
	service, ok := m.dialogs.Get(dialogID)
	if !ok {
		return nil, nil
	}
	as := m.reg.Lookup(service)
	if as == nil {
		return nil, nil
	}

	tx, err := NewServiceTransaction(txnID, as, req, up, down, &TransactionOptions{
		DialogID: dialogID,
		Resolver: m.resolver,
		Metrics:  m.metrics,
		Logger:   m.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tx == nil {
		return nil, nil
	}
	return tx, errtrace.Wrap(tx.ProcessInDialogRequest(ctx, req))
}

// EndDialog drops the dialog-to-service binding, typically when the
// transport layer observes the dialog terminating.
func (m *Manager) EndDialog(dialogID string) {
	m.dialogs.Del(dialogID)
}
