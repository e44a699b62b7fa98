// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Decision labels for admission metrics.
const (
	DecisionAllowed   = "allowed"
	DecisionThrottled = "throttled"
	DecisionRejected  = "rejected"
	DecisionDegraded  = "degraded"
)

// Collector records admission, billing and store metrics.
type Collector struct {
	// Admission metrics
	admissionDecisions *prometheus.CounterVec
	throttleDelay      prometheus.Histogram
	slotsAcquired      *prometheus.CounterVec
	slotsReleased      prometheus.Counter

	// Billing metrics
	executionCost    *prometheus.CounterVec
	quotaRejections  *prometheus.CounterVec
	reportGeneration prometheus.Histogram

	// Database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.admissionDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"scope", "decision"},
	)

	c.throttleDelay = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "throttle_delay_seconds",
			Help:      "Suggested throttle delay in seconds",
			Buckets:   []float64{1, 2, 3, 5, 8, 10},
		},
	)

	c.slotsAcquired = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_slots_acquired_total",
			Help:      "Total number of concurrency slot acquisitions",
		},
		[]string{"outcome"}, // acquired, rejected, unlimited
	)

	c.slotsReleased = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_slots_released_total",
			Help:      "Total number of concurrency slot releases",
		},
	)

	c.executionCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_cost_total",
			Help:      "Total execution cost recorded, by currency",
		},
		[]string{"currency"},
	)

	c.quotaRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of executions rejected by quota or budget",
		},
		[]string{"limit"},
	)

	c.reportGeneration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_generation_duration_seconds",
			Help:      "Usage report generation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordAdmission records one admission decision for a scope.
func (c *Collector) RecordAdmission(scope, decision string) {
	c.admissionDecisions.WithLabelValues(scope, decision).Inc()
}

// RecordThrottleDelay records a suggested throttle delay.
func (c *Collector) RecordThrottleDelay(seconds int) {
	c.throttleDelay.Observe(float64(seconds))
}

// RecordSlotAcquire records the outcome of a slot acquisition attempt.
func (c *Collector) RecordSlotAcquire(outcome string) {
	c.slotsAcquired.WithLabelValues(outcome).Inc()
}

// RecordSlotRelease records a slot release.
func (c *Collector) RecordSlotRelease() {
	c.slotsReleased.Inc()
}

// RecordExecutionCost records a charged execution.
func (c *Collector) RecordExecutionCost(currency string, cost float64) {
	c.executionCost.WithLabelValues(currency).Add(cost)
}

// RecordQuotaRejection records a quota or budget rejection.
func (c *Collector) RecordQuotaRejection(limit string) {
	c.quotaRejections.WithLabelValues(limit).Inc()
}

// RecordReportGeneration records the duration of a report generation.
func (c *Collector) RecordReportGeneration(duration time.Duration) {
	c.reportGeneration.Observe(duration.Seconds())
}

// RecordDBConnections records database pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
