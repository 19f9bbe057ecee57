// Package metrics provides Prometheus metrics export for the routing and
// keyword-learning engines.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/keyroute/ai/complexity"
)

const namespace = "keyroute"

// PrometheusExporter exports engine metrics in Prometheus format.
// It implements complexity.Recorder and keyword.Recorder.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Routing metrics
	routeDecisions     *prometheus.CounterVec
	routeLatency       *prometheus.HistogramVec
	classifierLatency  *prometheus.HistogramVec
	classifierFailures *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec

	// Keyword metrics
	feedbackEvents     *prometheus.CounterVec
	feedbackConflicts  prometheus.Counter
	promotions         *prometheus.CounterVec
	cleanupDeletions   prometheus.Counter
	specificityUpdates prometheus.Counter
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.routeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"mode", "path", "ambiguous"},
	)

	e.routeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "latency_seconds",
			Help:      "Routing latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"path"},
	)

	e.classifierLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "latency_seconds",
			Help:      "Classifier prediction latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"backend"},
	)

	e.classifierFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "failures_total",
			Help:      "Total number of failed classifier predictions",
		},
		[]string{"backend"},
	)

	e.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Total number of routing fallbacks",
		},
		[]string{"from", "to"},
	)

	e.feedbackEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword",
			Name:      "feedback_total",
			Help:      "Total number of recorded keyword feedback events",
		},
		[]string{"polarity"},
	)

	e.feedbackConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword",
			Name:      "feedback_conflicts_total",
			Help:      "Total number of optimistic write conflicts retried",
		},
	)

	e.promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword",
			Name:      "promotions_total",
			Help:      "Total number of promotion attempts",
		},
		[]string{"promoted"},
	)

	e.cleanupDeletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword",
			Name:      "cleanup_deleted_total",
			Help:      "Total number of ineffective keyword records deleted",
		},
	)

	e.specificityUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword",
			Name:      "specificity_updated_total",
			Help:      "Total number of keyword records whose specificity changed",
		},
	)

	registry.MustRegister(
		e.routeDecisions,
		e.routeLatency,
		e.classifierLatency,
		e.classifierFailures,
		e.fallbacks,
		e.feedbackEvents,
		e.feedbackConflicts,
		e.promotions,
		e.cleanupDeletions,
		e.specificityUpdates,
	)

	return e
}

// RecordRoute records a routing decision.
func (e *PrometheusExporter) RecordRoute(mode complexity.ProcessingMode, path complexity.Path, ambiguous bool, latency time.Duration) {
	e.routeDecisions.WithLabelValues(string(mode), string(path), strconv.FormatBool(ambiguous)).Inc()
	e.routeLatency.WithLabelValues(string(path)).Observe(latency.Seconds())
}

// RecordClassifier records one classifier prediction.
func (e *PrometheusExporter) RecordClassifier(backend string, latency time.Duration, err error) {
	e.classifierLatency.WithLabelValues(backend).Observe(latency.Seconds())
	if err != nil {
		e.classifierFailures.WithLabelValues(backend).Inc()
	}
}

// RecordFallback records a fallback between routing stages.
func (e *PrometheusExporter) RecordFallback(from, to complexity.Path) {
	e.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

// RecordFeedback records a keyword feedback event.
func (e *PrometheusExporter) RecordFeedback(positive bool) {
	polarity := "negative"
	if positive {
		polarity = "positive"
	}
	e.feedbackEvents.WithLabelValues(polarity).Inc()
}

// RecordConflict records a retried optimistic write conflict.
func (e *PrometheusExporter) RecordConflict() {
	e.feedbackConflicts.Inc()
}

// RecordCleanup records deleted keyword records.
func (e *PrometheusExporter) RecordCleanup(removed int64) {
	e.cleanupDeletions.Add(float64(removed))
}

// RecordSpecificity records updated specificity values.
func (e *PrometheusExporter) RecordSpecificity(updated int64) {
	e.specificityUpdates.Add(float64(updated))
}

// RecordPromotion records a promotion attempt.
func (e *PrometheusExporter) RecordPromotion(promoted bool) {
	e.promotions.WithLabelValues(strconv.FormatBool(promoted)).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}
