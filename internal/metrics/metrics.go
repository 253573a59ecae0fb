package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for nyx
type Metrics struct {
	// Dispatch metrics
	CommandsTotal   *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec

	// Module metrics
	ModuleExecutions *prometheus.CounterVec
	ModuleFaults     *prometheus.CounterVec
	ModuleLatency    *prometheus.HistogramVec
	ModuleReloads    *prometheus.CounterVec
	ModulesActive    prometheus.Gauge

	// Escalation metrics
	Escalations       *prometheus.CounterVec
	EscalationLatency prometheus.Histogram

	// Feedback metrics
	FeedbackRequests  *prometheus.CounterVec
	FeedbackDecisions *prometheus.CounterVec
	FeedbackIgnored   prometheus.Counter

	// Session and stream metrics
	SessionsActive   prometheus.Gauge
	StreamChunks     *prometheus.CounterVec
	StreamsAbandoned prometheus.Counter

	// System metrics
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			CommandsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_commands_total",
					Help: "Commands dispatched, by confidence band",
				},
				[]string{"band"},
			),
			DispatchLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "nyx_dispatch_decision_seconds",
					Help:    "Time from command receipt to the dispatch decision",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
				[]string{"band"},
			),

			ModuleExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_module_executions_total",
					Help: "Module executions by result",
				},
				[]string{"module", "result"},
			),
			ModuleFaults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_module_faults_total",
					Help: "Isolated module failures (errors, panics, timeouts)",
				},
				[]string{"module"},
			),
			ModuleLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "nyx_module_execution_seconds",
					Help:    "Module execution time in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"module"},
			),
			ModuleReloads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_module_reloads_total",
					Help: "Registry changes by kind",
				},
				[]string{"module", "change"},
			),
			ModulesActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nyx_modules_active",
					Help: "Number of active modules",
				},
			),

			Escalations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_escalations_total",
					Help: "Escalation resolver outcomes",
				},
				[]string{"kind"},
			),
			EscalationLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "nyx_escalation_seconds",
					Help:    "Escalation resolver latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~51s
				},
			),

			FeedbackRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_feedback_requests_total",
					Help: "Feedback requests raised, by type",
				},
				[]string{"type"},
			),
			FeedbackDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_feedback_decisions_total",
					Help: "Recorded feedback decisions",
				},
				[]string{"type", "action"},
			),
			FeedbackIgnored: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nyx_feedback_unknown_id_total",
					Help: "Feedback responses for stale or superseded requests",
				},
			),

			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "nyx_sessions_active",
					Help: "Connected sessions",
				},
			),
			StreamChunks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_stream_chunks_total",
					Help: "Streaming chunks delivered",
				},
				[]string{"module"},
			),
			StreamsAbandoned: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nyx_streams_abandoned_total",
					Help: "Streams abandoned because a newer command arrived",
				},
			),

			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nyx_cache_hits_total",
					Help: "Escalation cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "nyx_cache_misses_total",
					Help: "Escalation cache misses",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_events_published_total",
					Help: "Events published to the message bus",
				},
				[]string{"subject"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "nyx_http_requests_total",
					Help: "Total HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "nyx_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordDecision records a dispatch decision and how long it took.
func (m *Metrics) RecordDecision(band string, elapsed time.Duration) {
	m.CommandsTotal.WithLabelValues(band).Inc()
	m.DispatchLatency.WithLabelValues(band).Observe(elapsed.Seconds())
}

// RecordExecution records one module execution.
func (m *Metrics) RecordExecution(module string, success bool, elapsed time.Duration) {
	result := "success"
	if !success {
		result = "fault"
	}
	m.ModuleExecutions.WithLabelValues(module, result).Inc()
	m.ModuleLatency.WithLabelValues(module).Observe(elapsed.Seconds())
}

// RecordEscalation records a resolver outcome
func (m *Metrics) RecordEscalation(kind string, elapsed time.Duration) {
	m.Escalations.WithLabelValues(kind).Inc()
	m.EscalationLatency.Observe(elapsed.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
