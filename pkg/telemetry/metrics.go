package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states reported by SetConnectionState.
var connectionStates = []string{"idle", "initializing", "ready", "failed"}

// Metrics provides Prometheus metrics for the plugin. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	config MetricsConfig

	// Host connection metrics
	handshakeAttempts *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec

	// GraphQL metrics
	graphqlCalls    *prometheus.CounterVec
	graphqlErrors   *prometheus.CounterVec
	graphqlDuration *prometheus.HistogramVec

	// Workflow metrics
	workflowSteps *prometheus.CounterVec

	// Page context metrics
	pagePushes    prometheus.Counter
	staleDiscards prometheus.Counter

	// Reporting metrics
	reportRequests *prometheus.CounterVec
	reportDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		handshakeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_handshake_attempts_total",
				Help:      "Total number of host handshake attempts",
			},
			[]string{"outcome"},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_connection_state",
				Help:      "Current host connection state (1 for the active state)",
			},
			[]string{"state"},
		),

		graphqlCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphql_calls_total",
				Help:      "Total number of GraphQL calls issued through the host",
			},
			[]string{"endpoint", "operation"},
		),
		graphqlErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphql_errors_total",
				Help:      "Total number of failed GraphQL calls",
			},
			[]string{"endpoint", "operation", "kind"},
		),
		graphqlDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graphql_call_duration_seconds",
				Help:      "Duration of GraphQL calls in seconds",
				Buckets:   buckets,
			},
			[]string{"endpoint", "operation"},
		),

		workflowSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_steps_total",
				Help:      "Total number of provisioning workflow steps by outcome",
			},
			[]string{"step", "outcome"},
		),

		pagePushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_context_pushes_total",
				Help:      "Total number of page context pushes received from the host",
			},
		),
		staleDiscards: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_context_stale_discards_total",
				Help:      "Total number of site info resolutions discarded as stale",
			},
		),

		reportRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_requests_total",
				Help:      "Total number of analytics report requests",
			},
			[]string{"metric", "outcome"},
		),
		reportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_duration_seconds",
				Help:      "Duration of analytics report requests in seconds",
				Buckets:   buckets,
			},
			[]string{"metric"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"route", "status"},
		),
	}

	registry.MustRegister(
		m.handshakeAttempts,
		m.connectionState,
		m.graphqlCalls,
		m.graphqlErrors,
		m.graphqlDuration,
		m.workflowSteps,
		m.pagePushes,
		m.staleDiscards,
		m.reportRequests,
		m.reportDuration,
		m.httpRequests,
	)

	return m, nil
}

// Host Connection Metrics

// RecordHandshakeAttempt counts one handshake attempt.
func (m *Metrics) RecordHandshakeAttempt(outcome string) {
	if m == nil || m.handshakeAttempts == nil {
		return
	}
	m.handshakeAttempts.WithLabelValues(outcome).Inc()
}

// SetConnectionState marks state as the active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil || m.connectionState == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.connectionState.WithLabelValues(s).Set(value)
	}
}

// GraphQL Metrics

// RecordGraphQLCall records a GraphQL call with its duration.
func (m *Metrics) RecordGraphQLCall(endpoint, operation string, duration time.Duration) {
	if m == nil || m.graphqlCalls == nil {
		return
	}
	m.graphqlCalls.WithLabelValues(endpoint, operation).Inc()
	m.graphqlDuration.WithLabelValues(endpoint, operation).Observe(duration.Seconds())
}

// RecordGraphQLError records a failed GraphQL call by error kind.
func (m *Metrics) RecordGraphQLError(endpoint, operation, kind string) {
	if m == nil || m.graphqlErrors == nil {
		return
	}
	m.graphqlErrors.WithLabelValues(endpoint, operation, kind).Inc()
}

// Workflow Metrics

// RecordWorkflowStep records the outcome of a provisioning step.
func (m *Metrics) RecordWorkflowStep(step, outcome string) {
	if m == nil || m.workflowSteps == nil {
		return
	}
	m.workflowSteps.WithLabelValues(step, outcome).Inc()
}

// Page Context Metrics

// RecordPagePush counts a page context push.
func (m *Metrics) RecordPagePush() {
	if m == nil || m.pagePushes == nil {
		return
	}
	m.pagePushes.Inc()
}

// RecordStaleDiscard counts a resolution discarded because a newer push
// started.
func (m *Metrics) RecordStaleDiscard() {
	if m == nil || m.staleDiscards == nil {
		return
	}
	m.staleDiscards.Inc()
}

// Reporting Metrics

// RecordReportRequest records an analytics report request.
func (m *Metrics) RecordReportRequest(metric, outcome string, duration time.Duration) {
	if m == nil || m.reportRequests == nil {
		return
	}
	m.reportRequests.WithLabelValues(metric, outcome).Inc()
	m.reportDuration.WithLabelValues(metric).Observe(duration.Seconds())
}

// HTTP Metrics

// RecordHTTPRequest counts a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
