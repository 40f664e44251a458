// Package telemetry exposes the core's accumulators: message latency,
// queue depth and per-service request/response counters.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the accumulators the dispatcher and service transaction
// contexts feed. A nil *Metrics is valid and drops every sample.
type Metrics struct {
	latency     prometheus.Histogram
	queueDepth  prometheus.Histogram
	asRequests  *prometheus.CounterVec
	asResponses *prometheus.CounterVec
}

// New creates the metric set and registers it with the given registerer.
// If reg is nil, [prometheus.DefaultRegisterer] is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgecore",
			Name:      "message_latency_seconds",
			Help:      "Time from message receipt to completion of worker processing.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		queueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgecore",
			Name:      "event_queue_depth",
			Help:      "Event queue depth sampled on every enqueue.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		asRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecore",
			Name:      "appserver_requests_total",
			Help:      "Requests routed to each application service.",
		}, []string{"service"}),
		asResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecore",
			Name:      "appserver_responses_total",
			Help:      "Downstream responses delivered to each application service.",
		}, []string{"service", "class"}),
	}
}

// ObserveLatency records one message handling latency.
func (m *Metrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// ObserveQueueDepth records the queue depth seen at enqueue time.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Observe(float64(depth))
}

// IncASRequest counts a request routed to the named service.
func (m *Metrics) IncASRequest(service string) {
	if m == nil {
		return
	}
	m.asRequests.WithLabelValues(service).Inc()
}

// IncASResponse counts a downstream response delivered to the named service.
func (m *Metrics) IncASResponse(service string, status int) {
	if m == nil {
		return
	}
	m.asResponses.WithLabelValues(service, strconv.Itoa(status/100)+"xx").Inc()
}
