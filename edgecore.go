// Package edgecore implements the core of a SIP application-server layer
// for an IMS-style telephony edge node: the inbound message dispatcher,
// the application-service transaction model, and the registration store.
//
// The SIP parser and transport are external collaborators: the transport
// surface feeds parsed messages into [Node.Dispatcher]'s receive hook and
// its transaction layer drives the service transactions through
// [appserver.Manager].
package edgecore

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/telscale/edgecore/appserver"
	"github.com/telscale/edgecore/appserver/resolve"
	"github.com/telscale/edgecore/config"
	"github.com/telscale/edgecore/dispatch"
	"github.com/telscale/edgecore/internal/log"
	"github.com/telscale/edgecore/regstore"
	"github.com/telscale/edgecore/sip"
	"github.com/telscale/edgecore/store"
	"github.com/telscale/edgecore/telemetry"
)

// Node bundles the core subsystems of one edge node.
type Node struct {
	// Dispatcher owns the receive hook and the worker pool.
	Dispatcher *dispatch.Dispatcher
	// Services routes requests to the registered application services.
	Services *appserver.Manager
	// Registrations is the per-AoR binding store.
	Registrations *regstore.Store
	// Metrics is the telemetry accumulator set.
	Metrics *telemetry.Metrics
}

// NodeOptions contains options for a [Node].
type NodeOptions struct {
	// Processor is the pipeline stage the dispatcher workers invoke.
	// If nil, messages are logged and dropped; a transport integration
	// must supply its rx pipeline here.
	Processor dispatch.Processor
	// Metrics receives the node's telemetry. May be nil.
	Metrics *telemetry.Metrics
	// Logger is the logger used by all subsystems.
	// If nil, [log.Def] is used.
	Logger *slog.Logger
	// Responder sends stateless responses for the worker crash barrier.
	Responder dispatch.StatelessResponder
	// LoadMonitor is notified of message completions. May be nil.
	LoadMonitor dispatch.LoadMonitor
}

func (o *NodeOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Def
	}
	return o.Logger
}

func (o *NodeOptions) metrics() *telemetry.Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *NodeOptions) processor(logger *slog.Logger) dispatch.Processor {
	if o != nil && o.Processor != nil {
		return o.Processor
	}
	return dispatch.ProcessorFunc(func(ctx context.Context, msg sip.Message) {
		logger.WarnContext(ctx, "no transport pipeline attached", "trail", msg.Trail())
	})
}

// NewNode builds the core subsystems from the configuration, registering
// the given application services.
func NewNode(cfg *config.Config, data store.Store, services []appserver.AppServer, opts *NodeOptions) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	logger := opts.logger()
	metrics := opts.metrics()

	regs, err := regstore.New(data, &regstore.Options{Logger: logger})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	registry, err := appserver.NewRegistry(services...)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	mgr, err := appserver.NewManager(registry, cfg.HomeDomain, &appserver.ManagerOptions{
		Resolver: &resolve.Resolver{NameServer: cfg.DNS.NameServer},
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var (
		responder dispatch.StatelessResponder
		loadMon   dispatch.LoadMonitor
	)
	if opts != nil {
		responder = opts.Responder
		loadMon = opts.LoadMonitor
	}
	disp, err := dispatch.New(opts.processor(logger), &dispatch.Options{
		Workers:           cfg.Workers,
		DeadlockThreshold: cfg.DeadlockThreshold,
		Responder:         responder,
		LoadMonitor:       loadMon,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	return &Node{
		Dispatcher:    disp,
		Services:      mgr,
		Registrations: regs,
		Metrics:       metrics,
	}, nil
}

// Start launches the dispatcher worker pool.
func (n *Node) Start(ctx context.Context) { n.Dispatcher.Start(ctx) }

// Stop stops the worker pool; messages still queued are discarded.
func (n *Node) Stop() { n.Dispatcher.Stop() }
