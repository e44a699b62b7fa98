package billing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupServiceTest(t *testing.T, failOpen bool) (*miniredis.Miniredis, *gorm.DB, *Service) {
	db := setupTestDB(t)
	mr, store := setupTestCounters(t)

	svc, err := New(db, store, Options{
		FailOpen:          failOpen,
		MetricsRegisterer: prometheus.NewRegistry(),
		Clock:             testClock,
	})
	require.NoError(t, err)
	return mr, db, svc
}

func TestNew_AutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	_, store := setupTestCounters(t)

	_, err = New(db, store, Options{
		AutoMigrate:       true,
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&RateLimitConfig{}))
	assert.True(t, db.Migrator().HasTable(&UsageReport{}))
}

func TestAdmitComplete_FullPipeline(t *testing.T) {
	_, db, svc := setupServiceTest(t, false)
	ctx := context.Background()

	cfg := createTestConfig(t, svc.RateLimits, &RateLimitConfig{
		RequestsPerMinute:    100,
		ConcurrentExecutions: 5,
	})
	createTestCostModel(t, svc.Quotas, &CostModel{PerExecution: 0.05})

	adm, err := svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0.05)
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.NotEmpty(t, adm.SlotToken)
	require.NotNil(t, adm.RateLimit)
	assert.Equal(t, int64(1), adm.RateLimit.CurrentCount)
	require.NotNil(t, adm.Quota)
	require.NotNil(t, adm.Budget)

	cost, err := svc.CompleteExecution(ctx, adm, 2.0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, cost, 1e-9)

	// The usage ledger saw the charged execution.
	var usage RateLimitUsage
	require.NoError(t, db.First(&usage, "config_id = ?", cfg.ID).Error)
	assert.Equal(t, int64(1), usage.RequestCount)
	assert.InDelta(t, 0.05, usage.TotalCost, 1e-9)

	// The budget saw the spend.
	var budget UserBudget
	require.NoError(t, db.First(&budget, "user_id = ?", "user-1").Error)
	assert.InDelta(t, 0.05, budget.TotalSpent, 1e-9)

	// The slot came back: the scope admits up to its limit again.
	for i := 0; i < 5; i++ {
		_, err := svc.RateLimits.AcquireSlot(ctx, "user-1", ScopeUser, "", "")
		require.NoError(t, err, "slot %d", i)
	}
}

func TestAdmitExecution_ConcurrencyRejection(t *testing.T) {
	_, db, svc := setupServiceTest(t, false)
	ctx := context.Background()

	cfg := createTestConfig(t, svc.RateLimits, &RateLimitConfig{
		RequestsPerMinute:    100,
		ConcurrentExecutions: 1,
	})

	first, err := svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	require.NoError(t, err)

	_, err = svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	require.Error(t, err)

	var cle *ConcurrencyLimitError
	assert.ErrorAs(t, err, &cle)

	// The rejection is accounted against the config's window.
	var usage RateLimitUsage
	require.NoError(t, db.First(&usage, "config_id = ?", cfg.ID).Error)
	assert.Equal(t, int64(1), usage.RejectedCount)

	require.NoError(t, svc.AbortExecution(ctx, first))
	_, err = svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	assert.NoError(t, err)
}

// The admission pipeline resolves the scope's config once and threads it
// through the rate limit and concurrency checks.
func TestAdmitExecution_ResolvesConfigOnce(t *testing.T) {
	_, db, svc := setupServiceTest(t, false)
	ctx := context.Background()

	createTestConfig(t, svc.RateLimits, &RateLimitConfig{
		RequestsPerMinute:    10,
		ConcurrentExecutions: 2,
	})

	var configQueries int
	require.NoError(t, db.Callback().Query().After("gorm:query").
		Register("count_config_queries", func(tx *gorm.DB) {
			if tx.Statement.Table == "rate_limit_configs" {
				configQueries++
			}
		}))

	adm, err := svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	assert.Equal(t, 1, configQueries)
}

func TestAdmitExecution_QuotaRejection(t *testing.T) {
	_, _, svc := setupServiceTest(t, false)
	ctx := context.Background()

	quota, err := svc.Quotas.CreateUsageQuota(ctx, "user-1", QuotaMonthly, 0, 1.0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&UsageQuota{}).
		Where("id = ?", quota.ID).
		Update("cost_used", 0.99).Error)

	_, err = svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0.05)
	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))
}

func TestAdmitExecution_BudgetRejection(t *testing.T) {
	_, _, svc := setupServiceTest(t, false)
	ctx := context.Background()

	_, err := svc.Quotas.SetBudget(ctx, "user-1", 1.0, 0, true)
	require.NoError(t, err)
	require.NoError(t, svc.Quotas.RecordExecutionCost(ctx, "user-1", 0.99, "", ""))

	_, err = svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0.05)
	require.Error(t, err)

	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, LimitBudgetMonthly, qe.Kind)
}

func TestAdmitExecution_ThrottledPassesThrough(t *testing.T) {
	mr, _, svc := setupServiceTest(t, false)
	ctx := context.Background()

	createTestConfig(t, svc.RateLimits, &RateLimitConfig{
		RequestsPerMinute: 10,
		ThrottleEnabled:   true,
	})

	key := scopeKey(prefixRequests, "user-1", ScopeUser, "", "")
	mr.Set(key, "15")

	adm, err := svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.True(t, adm.Throttled)
	assert.Equal(t, 10, adm.ThrottleSeconds)

	// A throttled completion lands in the throttled counter.
	_, err = svc.CompleteExecution(ctx, adm, 0, 0)
	require.NoError(t, err)

	var usage RateLimitUsage
	require.NoError(t, svc.db.First(&usage, "user_id = ?", "user-1").Error)
	assert.Equal(t, int64(1), usage.ThrottledCount)
}

func TestAdmitExecution_FailOpenDegraded(t *testing.T) {
	mr, _, svc := setupServiceTest(t, true)
	ctx := context.Background()

	createTestConfig(t, svc.RateLimits, &RateLimitConfig{RequestsPerMinute: 5})
	mr.Close()

	adm, err := svc.AdmitExecution(ctx, "user-1", ScopeUser, "", "", 0)
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.True(t, adm.Degraded)
}

func TestCompleteExecution_NilAdmission(t *testing.T) {
	_, _, svc := setupServiceTest(t, false)

	_, err := svc.CompleteExecution(context.Background(), nil, 0, 0)
	assert.Error(t, err)
}

func TestAbortExecution_NoSlot(t *testing.T) {
	_, _, svc := setupServiceTest(t, false)

	assert.NoError(t, svc.AbortExecution(context.Background(), nil))
	assert.NoError(t, svc.AbortExecution(context.Background(), &Admission{Allowed: true}))
}

func TestObserveDBStats(t *testing.T) {
	db := setupTestDB(t)
	_, store := setupTestCounters(t)

	reg := prometheus.NewRegistry()
	svc, err := New(db, store, Options{MetricsRegisterer: reg})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	svc.ObserveDBStats("sqlite", sqlDB.Stats())

	n, err := testutil.GatherAndCount(reg,
		"agentgate_db_connections_open", "agentgate_db_connections_idle")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestServiceGenerateUsageReport(t *testing.T) {
	_, db, svc := setupServiceTest(t, false)
	ctx := context.Background()

	cfg := createTestConfig(t, svc.RateLimits, &RateLimitConfig{RequestsPerMinute: 100})
	require.NoError(t, svc.RateLimits.RecordUsage(ctx, cfg.ID, "user-1", 0.10, false, false))

	report, err := svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TotalExecutions)
	assert.InDelta(t, 0.10, report.TotalCost, 1e-9)

	var count int64
	require.NoError(t, db.Model(&UsageReport{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
