// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the process-wide Collector, created on first use under
// the "paceflow" namespace. promauto registers on the global registerer,
// so there must be at most one Collector per namespace per process.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector("paceflow", zap.NewNop())
	})
	return defaultCollector
}

// Collector aggregates the prometheus instruments of the throttling core.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	throttleWaits    *prometheus.HistogramVec
	currentDelay     *prometheus.GaugeVec
	windowRejections *prometheus.CounterVec
	fallbackSteps    *prometheus.CounterVec
	fallbackDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a Collector registering its instruments under the
// given namespace on the default prometheus registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of recorded request outcomes",
		},
		[]string{"backend", "outcome"},
	)

	c.throttleWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "throttle_wait_seconds",
			Help:      "Advisory waits returned by the throttle in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"backend", "reason"},
	)

	c.currentDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_current_delay_seconds",
			Help:      "Learned inter-request delay per backend in seconds",
		},
		[]string{"backend"},
	)

	c.windowRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_window_rejections_total",
			Help:      "Admissions deferred because the TPM budget was projected to overflow",
		},
		[]string{"backend"},
	)

	c.fallbackSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_steps_total",
			Help:      "Fallback plan step attempts by outcome",
		},
		[]string{"backend", "model", "outcome"},
	)

	c.fallbackDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_plan_duration_seconds",
			Help:      "End-to-end fallback plan execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)

	return c
}

// RecordOutcome counts one recorded request outcome for a backend.
func (c *Collector) RecordOutcome(backend, outcome string) {
	c.requestsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveWait records an advisory wait returned by the throttle.
func (c *Collector) ObserveWait(backend, reason string, wait time.Duration) {
	c.throttleWaits.WithLabelValues(backend, reason).Observe(wait.Seconds())
}

// SetCurrentDelay publishes the learned delay for a backend.
func (c *Collector) SetCurrentDelay(backend string, delay time.Duration) {
	c.currentDelay.WithLabelValues(backend).Set(delay.Seconds())
}

// RecordWindowRejection counts a TPM-budget deferral.
func (c *Collector) RecordWindowRejection(backend string) {
	c.windowRejections.WithLabelValues(backend).Inc()
}

// RecordFallbackStep counts one fallback step attempt.
func (c *Collector) RecordFallbackStep(backend, model, outcome string) {
	c.fallbackSteps.WithLabelValues(backend, model, outcome).Inc()
}

// ObserveFallbackDuration records the duration of a whole plan execution.
func (c *Collector) ObserveFallbackDuration(outcome string, d time.Duration) {
	c.fallbackDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
