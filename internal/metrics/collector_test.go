package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	return NewCollector("test", prometheus.NewRegistry(), nil)
}

func TestCollector_RecordAdmission(t *testing.T) {
	c := newTestCollector()

	c.RecordAdmission("user", DecisionAllowed)
	c.RecordAdmission("user", DecisionAllowed)
	c.RecordAdmission("user", DecisionRejected)
	c.RecordAdmission("agent", DecisionThrottled)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues("user", DecisionAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues("user", DecisionRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues("agent", DecisionThrottled)))
}

func TestCollector_RecordSlots(t *testing.T) {
	c := newTestCollector()

	c.RecordSlotAcquire("acquired")
	c.RecordSlotAcquire("acquired")
	c.RecordSlotAcquire("rejected")
	c.RecordSlotRelease()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.slotsAcquired.WithLabelValues("acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.slotsAcquired.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.slotsReleased))
}

func TestCollector_RecordExecutionCost(t *testing.T) {
	c := newTestCollector()

	c.RecordExecutionCost("USD", 0.25)
	c.RecordExecutionCost("USD", 0.75)

	assert.InDelta(t, 1.0, testutil.ToFloat64(c.executionCost.WithLabelValues("USD")), 1e-9)
}

func TestCollector_RecordQuotaRejection(t *testing.T) {
	c := newTestCollector()

	c.RecordQuotaRejection("quota_cost")
	c.RecordQuotaRejection("budget_monthly")
	c.RecordQuotaRejection("budget_monthly")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.quotaRejections.WithLabelValues("quota_cost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.quotaRejections.WithLabelValues("budget_monthly")))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	c := newTestCollector()

	c.RecordDBConnections("policy", 7, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("policy")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("policy")))
}

func TestCollector_Histograms(t *testing.T) {
	c := newTestCollector()

	// Histograms only need to accept observations without panicking; the
	// bucket layout is checked by inspection.
	c.RecordThrottleDelay(5)
	c.RecordReportGeneration(120 * time.Millisecond)
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("dup", reg, nil)

	assert.Panics(t, func() { NewCollector("dup", reg, nil) })
}
