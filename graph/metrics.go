package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes recorded by PrometheusMetrics.
const (
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
)

// PrometheusMetrics collects engine metrics under the "minutes" namespace:
//
//   - inflight_invocations (gauge): invocations currently holding a process lock.
//   - step_latency_ms (histogram, labels step, status): step duration.
//   - step_failures_total (counter, labels step, kind): failed steps by kind.
//   - invocations_total (counter, label outcome): completed, suspended or failed.
//   - save_conflicts_total (counter, label step): optimistic version conflicts.
//
// Labels never include process ids, so cardinality stays bounded.
type PrometheusMetrics struct {
	inflight prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	stepFailures *prometheus.CounterVec
	invocations  *prometheus.CounterVec
	conflicts    *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the engine metrics with
// registry, or the default registerer when nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "minutes",
		Name:      "inflight_invocations",
		Help:      "Number of invocations currently executing",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "minutes",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds, including the save",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"step", "status"}) // status: success, error

	pm.stepFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minutes",
		Name:      "step_failures_total",
		Help:      "Failed steps by failure kind",
	}, []string{"step", "kind"})

	pm.invocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minutes",
		Name:      "invocations_total",
		Help:      "Finished invocations by outcome",
	}, []string{"outcome"})

	pm.conflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minutes",
		Name:      "save_conflicts_total",
		Help:      "Saves rejected because the process was modified concurrently",
	}, []string{"step"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency observes a step's duration.
func (pm *PrometheusMetrics) RecordStepLatency(step StepID, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(string(step), status).Observe(float64(latency.Milliseconds()))
}

// IncrementStepFailures counts a failed step.
func (pm *PrometheusMetrics) IncrementStepFailures(step StepID, kind Kind) {
	if !pm.on() {
		return
	}
	pm.stepFailures.WithLabelValues(string(step), string(kind)).Inc()
}

// IncrementInvocations counts a finished invocation.
func (pm *PrometheusMetrics) IncrementInvocations(outcome string) {
	if !pm.on() {
		return
	}
	pm.invocations.WithLabelValues(outcome).Inc()
}

// IncrementConflicts counts a save rejected by a version conflict.
func (pm *PrometheusMetrics) IncrementConflicts(step StepID) {
	if !pm.on() {
		return
	}
	pm.conflicts.WithLabelValues(string(step)).Inc()
}

// AddInflight adjusts the in-flight invocation gauge.
func (pm *PrometheusMetrics) AddInflight(delta int) {
	if !pm.on() {
		return
	}
	pm.inflight.Add(float64(delta))
}

// Disable stops metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflight.Set(0)
}
