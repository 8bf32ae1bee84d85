// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Queue metrics
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	JobsEnqueued  prometheus.Counter
	JobsReclaimed prometheus.Counter

	// Order lifecycle metrics
	StatusTransitions *prometheus.CounterVec

	// Routing metrics
	VenueQuotes       *prometheus.CounterVec
	VenueQuoteLatency *prometheus.HistogramVec
	QuoteSelections   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	// Fan-out metrics
	EventsPublished     *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	ActiveConnections   prometheus.Gauge
	DroppedMessages     prometheus.Counter
}

// NewMetrics creates a new Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "klear_swap"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs handled by outcome",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job execution",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		JobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_reclaimed_total",
			Help:      "Total number of stalled jobs returned to the queue",
		}),

		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "status_transitions_total",
			Help:      "Total number of persisted order status transitions",
		}, []string{"status"}),

		VenueQuotes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "venue_quotes_total",
			Help:      "Total number of venue quote calls by result",
		}, []string{"venue", "result"}),
		VenueQuoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "venue_quote_latency_seconds",
			Help:      "Latency of venue quote calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue"}),
		QuoteSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "quote_selections_total",
			Help:      "Total number of selected quotes by venue and source",
		}, []string{"venue", "source"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "venue_breaker_state",
			Help:      "Circuit breaker state per venue (0 closed, 1 open, 2 half-open)",
		}, []string{"venue"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of lifecycle events published by result",
		}, []string{"result"}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_order_subscriptions",
			Help:      "Number of orders with at least one live connection",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),
		DroppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a connection could not keep up",
		}),
	}
}

// Handler returns the HTTP handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(took.Seconds())
}

// JobEnqueued records an enqueue.
func (m *Metrics) JobEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

// JobsReclaimedAdd records stalled jobs returned to the queue.
func (m *Metrics) JobsReclaimedAdd(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsReclaimed.Add(float64(n))
}

// Transition records a persisted status change.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// ObserveQuote records one venue quote call.
func (m *Metrics) ObserveQuote(venue, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.VenueQuotes.WithLabelValues(venue, result).Inc()
	m.VenueQuoteLatency.WithLabelValues(venue).Observe(took.Seconds())
}

// QuoteSelected records the winning quote.
func (m *Metrics) QuoteSelected(venue, source string) {
	if m == nil {
		return
	}
	m.QuoteSelections.WithLabelValues(venue, source).Inc()
}

// SetBreakerState records a venue breaker state.
func (m *Metrics) SetBreakerState(venue string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(venue).Set(float64(state))
}

// EventPublished records a publish attempt.
func (m *Metrics) EventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}

// SetActiveSubscriptions records the number of subscribed orders.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

// ConnectionOpened records a new gateway connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a closed gateway connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// MessageDropped records a message dropped for a slow connection.
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.DroppedMessages.Inc()
}
