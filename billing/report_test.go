package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupReportTest(t *testing.T) (*gorm.DB, *ReportService) {
	db := setupTestDB(t)
	svc := NewReportService(db, ReportOptions{Clock: testClock})
	return db, svc
}

func seedUsage(t *testing.T, db *gorm.DB, userID string, windowStart time.Time, requests, throttled, rejected int64, cost float64) {
	t.Helper()
	require.NoError(t, db.Create(&RateLimitUsage{
		ConfigID:       "cfg-" + userID + "-" + windowStart.Format("150405"),
		UserID:         userID,
		WindowType:     "minute",
		WindowStart:    windowStart,
		WindowEnd:      windowStart.Add(time.Minute),
		RequestCount:   requests,
		ThrottledCount: throttled,
		RejectedCount:  rejected,
		TotalCost:      cost,
	}).Error)
}

func TestGenerateUsageReport_Daily(t *testing.T) {
	db, svc := setupReportTest(t)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, "user-1", day.Add(9*time.Hour), 10, 1, 0, 0.10)
	seedUsage(t, db, "user-1", day.Add(14*time.Hour), 30, 0, 2, 0.50)
	// Outside the period and for another user: both excluded.
	seedUsage(t, db, "user-1", day.AddDate(0, 0, -1), 99, 0, 0, 9.99)
	seedUsage(t, db, "user-2", day.Add(9*time.Hour), 7, 0, 0, 0.07)

	report, err := svc.GenerateUsageReport(context.Background(), "user-1", ReportDaily, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(40), report.TotalExecutions)
	assert.Equal(t, int64(1), report.ThrottledCount)
	assert.Equal(t, int64(2), report.RejectedCount)
	assert.InDelta(t, 0.60, report.TotalCost, 1e-9)
	assert.InDelta(t, 0.015, report.AverageCost, 1e-9)
	assert.True(t, report.IsFinalized)
	assert.True(t, report.PeriodStart.Equal(day))
	assert.True(t, report.PeriodEnd.Equal(day.AddDate(0, 0, 1)))
}

func TestGenerateUsageReport_EmptyPeriod(t *testing.T) {
	_, svc := setupReportTest(t)

	report, err := svc.GenerateUsageReport(context.Background(), "user-1", ReportDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.TotalExecutions)
	assert.InDelta(t, 0, report.TotalCost, 1e-9)
	assert.InDelta(t, 0, report.AverageCost, 1e-9)
}

func TestGenerateUsageReport_Idempotent(t *testing.T) {
	db, svc := setupReportTest(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, "user-1", day.Add(9*time.Hour), 10, 0, 0, 0.10)

	first, err := svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)

	// New usage after finalization must not change the stored report.
	seedUsage(t, db, "user-1", day.Add(15*time.Hour), 100, 0, 0, 1.00)

	second, err := svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(10), second.TotalExecutions)

	var count int64
	require.NoError(t, db.Model(&UsageReport{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateUsageReport_ConcurrentRequestsCollapse(t *testing.T) {
	db, svc := setupReportTest(t)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedUsage(t, db, "user-1", day.Add(9*time.Hour), 10, 0, 0, 0.10)

	var wg sync.WaitGroup
	reports := make([]*UsageReport, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.GenerateUsageReport(context.Background(), "user-1", ReportDaily, testNow)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&UsageReport{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	for _, r := range reports {
		require.NotNil(t, r)
		assert.Equal(t, int64(10), r.TotalExecutions)
	}
}

func TestGetUsageReport(t *testing.T) {
	_, svc := setupReportTest(t)
	ctx := context.Background()

	_, err := svc.GetUsageReport(ctx, "user-1", ReportDaily, testNow)
	assert.ErrorIs(t, err, ErrReportNotFound)

	generated, err := svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)

	got, err := svc.GetUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)
	assert.Equal(t, generated.ID, got.ID)
}

func TestListUsageReports(t *testing.T) {
	_, svc := setupReportTest(t)
	ctx := context.Background()

	_, err := svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow)
	require.NoError(t, err)
	_, err = svc.GenerateUsageReport(ctx, "user-1", ReportDaily, testNow.AddDate(0, 0, -1))
	require.NoError(t, err)
	_, err = svc.GenerateUsageReport(ctx, "user-1", ReportMonthly, testNow)
	require.NoError(t, err)

	all, err := svc.ListUsageReports(ctx, "user-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	daily, err := svc.ListUsageReports(ctx, "user-1", ReportDaily, 0)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	// Newest first.
	assert.True(t, daily[0].PeriodStart.After(daily[1].PeriodStart))

	limited, err := svc.ListUsageReports(ctx, "user-1", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
