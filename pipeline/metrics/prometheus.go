// Package metrics exports pipeline observability in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the pipeline metric families.
type Exporter struct {
	registry *prometheus.Registry

	// Request-level metrics
	requestLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	active         prometheus.Gauge

	// Per-stage metrics
	stageLatency *prometheus.HistogramVec
	stageTimeout *prometheus.CounterVec

	// Dialogue metrics
	clarifications  *prometheus.CounterVec
	sessionsLive    prometheus.Gauge
	sessionsExpired prometheus.Counter

	// LLM metrics
	llmLatency *prometheus.HistogramVec
	llmTokens  *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (nil creates a fresh one).
	Registry *prometheus.Registry

	// Buckets for latency histograms, in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
	}
}

// NewExporter creates an exporter and registers all metric families.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convopipe",
			Subsystem: "pipeline",
			Name:      "request_latency_seconds",
			Help:      "End-to-end turn latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"channel", "streaming"},
	)

	e.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convopipe",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Total turns processed, by outcome",
		},
		[]string{"action", "error_code"},
	)

	e.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "convopipe",
			Subsystem: "pipeline",
			Name:      "requests_active",
			Help:      "Turns currently in flight",
		},
	)

	e.stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convopipe",
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Per-stage latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"stage"},
	)

	e.stageTimeout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convopipe",
			Subsystem: "pipeline",
			Name:      "stage_timeouts_total",
			Help:      "Stage budget violations",
		},
		[]string{"stage"},
	)

	e.clarifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convopipe",
			Subsystem: "dialogue",
			Name:      "clarifications_total",
			Help:      "Clarifying questions asked, by kind",
		},
		[]string{"kind"},
	)

	e.sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "convopipe",
			Subsystem: "dialogue",
			Name:      "sessions_live",
			Help:      "Live sessions in the registry",
		},
	)

	e.sessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convopipe",
			Subsystem: "dialogue",
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by the idle sweeper",
		},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convopipe",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model", "provider"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convopipe",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model"},
	)

	registry.MustRegister(
		e.requestLatency,
		e.requests,
		e.active,
		e.stageLatency,
		e.stageTimeout,
		e.clarifications,
		e.sessionsLive,
		e.sessionsExpired,
		e.llmLatency,
		e.llmTokens,
	)

	return e
}

// RecordRequest records one finished turn.
func (e *Exporter) RecordRequest(channel string, streaming bool, action, errorCode string, latency time.Duration) {
	mode := "blocking"
	if streaming {
		mode = "streaming"
	}
	e.requestLatency.WithLabelValues(channel, mode).Observe(latency.Seconds())
	e.requests.WithLabelValues(action, errorCode).Inc()
}

// RecordStage records one stage completion.
func (e *Exporter) RecordStage(stage string, latency time.Duration) {
	e.stageLatency.WithLabelValues(stage).Observe(latency.Seconds())
}

// RecordStageTimeout records one stage budget violation.
func (e *Exporter) RecordStageTimeout(stage string) {
	e.stageTimeout.WithLabelValues(stage).Inc()
}

// RecordClarification records one clarifying question.
func (e *Exporter) RecordClarification(kind string) {
	e.clarifications.WithLabelValues(kind).Inc()
}

// SetLiveSessions sets the live session gauge.
func (e *Exporter) SetLiveSessions(n int) {
	e.sessionsLive.Set(float64(n))
}

// RecordSessionExpired counts one sweeper removal.
func (e *Exporter) RecordSessionExpired() {
	e.sessionsExpired.Inc()
}

// RecordLLM records one LLM call.
func (e *Exporter) RecordLLM(model, provider string, latency time.Duration, tokens int) {
	e.llmLatency.WithLabelValues(model, provider).Observe(latency.Seconds())
	if tokens > 0 {
		e.llmTokens.WithLabelValues(model).Add(float64(tokens))
	}
}

// IncActive marks a turn in flight.
func (e *Exporter) IncActive() { e.active.Inc() }

// DecActive marks a turn finished.
func (e *Exporter) DecActive() { e.active.Dec() }

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
