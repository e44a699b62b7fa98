package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrReportNotFound is returned when no report matches the requested period.
var ErrReportNotFound = errors.New("usage report not found")

// ReportOptions tunes a ReportService.
type ReportOptions struct {
	Logger *zap.Logger
	Clock  Clock
}

// ReportService aggregates windowed usage rows into per-period reports.
// Generation is idempotent: a finalized report for a period is returned
// as-is, and concurrent generation requests for the same period are
// collapsed into a single aggregation.
type ReportService struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  Clock
	group  singleflight.Group
}

// NewReportService creates a report service.
func NewReportService(db *gorm.DB, opts ReportOptions) *ReportService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &ReportService{
		db:     db,
		logger: opts.Logger.With(zap.String("component", "report")),
		clock:  opts.Clock,
	}
}

// GenerateUsageReport builds the report for the period containing at. A
// finalized report already covering the period is returned unchanged.
func (s *ReportService) GenerateUsageReport(ctx context.Context, userID string, period ReportPeriod, at time.Time) (*UsageReport, error) {
	start, end := reportPeriodAt(at.UTC(), period)

	key := fmt.Sprintf("%s:%s:%d", userID, period, start.Unix())
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.generate(ctx, userID, period, start, end)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UsageReport), nil
}

// GetUsageReport returns the stored report for the period containing at.
func (s *ReportService) GetUsageReport(ctx context.Context, userID string, period ReportPeriod, at time.Time) (*UsageReport, error) {
	start, _ := reportPeriodAt(at.UTC(), period)

	var report UsageReport
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND report_period = ? AND period_start = ?", userID, period, start).
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load usage report: %w", err)
	}
	return &report, nil
}

// ListUsageReports returns the user's reports newest-first, optionally
// filtered by period type. limit <= 0 means no limit.
func (s *ReportService) ListUsageReports(ctx context.Context, userID string, period ReportPeriod, limit int) ([]UsageReport, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if period != "" {
		q = q.Where("report_period = ?", period)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var reports []UsageReport
	if err := q.Order("period_start DESC").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("list usage reports: %w", err)
	}
	return reports, nil
}

type usageTotals struct {
	TotalExecutions int64
	ThrottledCount  int64
	RejectedCount   int64
	TotalCost       float64
}

func (s *ReportService) generate(ctx context.Context, userID string, period ReportPeriod, start, end time.Time) (*UsageReport, error) {
	var existing UsageReport
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND report_period = ? AND period_start = ? AND is_finalized = ?", userID, period, start, true).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load existing report: %w", err)
	}

	var totals usageTotals
	err = s.db.WithContext(ctx).
		Model(&RateLimitUsage{}).
		Select(
			"COALESCE(SUM(request_count), 0) AS total_executions, " +
				"COALESCE(SUM(throttled_count), 0) AS throttled_count, " +
				"COALESCE(SUM(rejected_count), 0) AS rejected_count, " +
				"COALESCE(SUM(total_cost), 0) AS total_cost",
		).
		Where("user_id = ? AND window_start >= ? AND window_start < ?", userID, start, end).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}

	report := &UsageReport{
		UserID:          userID,
		ReportPeriod:    period,
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalExecutions: totals.TotalExecutions,
		ThrottledCount:  totals.ThrottledCount,
		RejectedCount:   totals.RejectedCount,
		TotalCost:       totals.TotalCost,
		IsFinalized:     true,
		GeneratedAt:     s.clock().UTC(),
	}
	if totals.TotalExecutions > 0 {
		report.AverageCost = totals.TotalCost / float64(totals.TotalExecutions)
	}

	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, fmt.Errorf("persist usage report: %w", err)
	}

	s.logger.Info("generated usage report",
		zap.String("user_id", userID),
		zap.String("period", string(period)),
		zap.Time("period_start", start),
		zap.Int64("total_executions", totals.TotalExecutions),
		zap.Float64("total_cost", totals.TotalCost),
	)
	return report, nil
}
