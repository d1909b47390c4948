// Prometheus metrics collection: the gauge/histogram/counter set an
// operator needs to watch the engine, labeled by execution/step/task
// coordinates, including an externalized-results counter for the
// reference-first result store.
package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects the engine's production-monitoring metrics.
// Thread-safe; Disable/Enable gate recording without unregistering
// anything.
type PrometheusMetrics struct {
	inflightStepRuns prometheus.Gauge
	queueDepth       prometheus.Gauge

	taskLatency *prometheus.HistogramVec

	retries          *prometheus.CounterVec
	ctxConflicts     *prometheus.CounterVec
	backpressure     *prometheus.CounterVec
	externalizedRefs *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all engine metrics against
// registry (prometheus.DefaultRegisterer if nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry, enabled: true}

	pm.inflightStepRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "noetl",
		Name:      "inflight_step_runs",
		Help:      "Current number of step runs executing concurrently",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "noetl",
		Name:      "queue_depth",
		Help:      "Number of commands pending in the Frontier scheduler queue",
	})

	pm.taskLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "noetl",
		Name:      "task_latency_ms",
		Help:      "Task execution duration in milliseconds (dispatch to Outcome)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"execution_id", "task_label", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Name:      "retries_total",
		Help:      "Cumulative retry directives applied across all task attempts",
	}, []string{"execution_id", "task_label", "reason"})

	pm.ctxConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Name:      "ctx_patch_conflicts_total",
		Help:      "set_ctx patches rejected by the Projector's conflict rule",
	}, []string{"execution_id", "ctx_key"})

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Name:      "backpressure_events_total",
		Help:      "Frontier queue saturation events that throttled enqueue",
	}, []string{"execution_id", "reason"})

	pm.externalizedRefs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Name:      "externalized_results_total",
		Help:      "Task outcomes whose payload exceeded inline_max_bytes and were stored as a ResultRef",
	}, []string{"execution_id", "task_label"})

	return pm
}

// RecordTaskLatency records one task attempt's duration.
func (pm *PrometheusMetrics) RecordTaskLatency(executionID, taskLabel string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.taskLatency.WithLabelValues(executionID, taskLabel, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter.
func (pm *PrometheusMetrics) IncrementRetries(executionID, taskLabel, reason string) {
	if !pm.enabled {
		return
	}
	pm.retries.WithLabelValues(executionID, taskLabel, reason).Inc()
}

// IncrementCtxConflicts increments the ctx-patch-conflict counter.
func (pm *PrometheusMetrics) IncrementCtxConflicts(executionID, ctxKey string) {
	if !pm.enabled {
		return
	}
	pm.ctxConflicts.WithLabelValues(executionID, ctxKey).Inc()
}

// UpdateQueueDepth sets the current Frontier queue depth.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightStepRuns sets the current in-flight step-run count.
func (pm *PrometheusMetrics) UpdateInflightStepRuns(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightStepRuns.Set(float64(count))
}

// IncrementBackpressure increments the backpressure-event counter.
func (pm *PrometheusMetrics) IncrementBackpressure(executionID, reason string) {
	if !pm.enabled {
		return
	}
	pm.backpressure.WithLabelValues(executionID, reason).Inc()
}

// IncrementExternalizedRefs increments the externalized-result counter.
func (pm *PrometheusMetrics) IncrementExternalizedRefs(executionID, taskLabel string) {
	if !pm.enabled {
		return
	}
	pm.externalizedRefs.WithLabelValues(executionID, taskLabel).Inc()
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
