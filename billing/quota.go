package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/internal/database"
)

// defaultExecutionCost is charged when no cost model resolves for a scope.
// Cost absence must never block execution.
const defaultExecutionCost = 0.001

// recordCostRetries bounds transaction retries on the charge path.
const recordCostRetries = 3

// QuotaSnapshot describes the caller's standing against the current quota.
// Returned by CheckQuotaAvailable when the execution may proceed.
type QuotaSnapshot struct {
	Available bool   `json:"available"`
	Degraded  bool   `json:"degraded,omitempty"`
	QuotaID   string `json:"quota_id,omitempty"`

	CostUsed       float64 `json:"cost_used"`
	MaxCost        float64 `json:"max_cost,omitempty"`
	ExecutionsUsed int64   `json:"executions_used"`
	MaxExecutions  int64   `json:"max_executions,omitempty"`

	CostUsagePercent      float64 `json:"cost_usage_percent"`
	ExecutionUsagePercent float64 `json:"execution_usage_percent"`
	DaysRemaining         int     `json:"days_remaining"`
}

// BudgetSnapshot describes the caller's standing against their budget.
// When enforcement is disabled, a crossed cap is reported through the
// exceeded flags instead of an error so callers can raise alerts.
type BudgetSnapshot struct {
	Available bool `json:"available"`
	Degraded  bool `json:"degraded,omitempty"`

	MonthlyBudget float64 `json:"monthly_budget,omitempty"`
	MonthlySpent  float64 `json:"monthly_spent"`
	TotalBudget   float64 `json:"total_budget,omitempty"`
	TotalSpent    float64 `json:"total_spent"`

	MonthlyPercent float64 `json:"monthly_percent"`
	TotalPercent   float64 `json:"total_percent"`

	MonthlyExceeded bool `json:"monthly_exceeded,omitempty"`
	TotalExceeded   bool `json:"total_exceeded,omitempty"`
}

// QuotaOptions tunes a QuotaService.
type QuotaOptions struct {
	// DefaultCost is charged when no cost model resolves. Defaults to 0.001.
	DefaultCost float64

	// FailOpen returns "available" when the persistence layer is unreachable
	// during a check. Recording failures always surface as errors.
	FailOpen bool

	Logger *zap.Logger
	Clock  Clock
}

// QuotaService prices executions and enforces cost/execution quotas and
// user-level spending budgets.
type QuotaService struct {
	db          *gorm.DB
	defaultCost float64
	failOpen    bool
	logger      *zap.Logger
	clock       Clock
}

// NewQuotaService creates a quota service.
func NewQuotaService(db *gorm.DB, opts QuotaOptions) *QuotaService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultCost <= 0 {
		opts.DefaultCost = defaultExecutionCost
	}

	return &QuotaService{
		db:          db,
		defaultCost: opts.DefaultCost,
		failOpen:    opts.FailOpen,
		logger:      opts.Logger.With(zap.String("component", "quota")),
		clock:       opts.Clock,
	}
}

// CalculateCost prices one execution from the resolved cost model:
// per-execution base plus result size and token components, floored at the
// minimum charge, then reduced by the volume discount once the model's
// lifetime execution count has crossed the threshold.
func (s *QuotaService) CalculateCost(ctx context.Context, userID, agentID, methodID string, resultKB float64, tokens int) (float64, error) {
	model, err := s.resolveCostModel(ctx, userID, agentID, methodID)
	if err != nil {
		// Pricing must never block execution; fall back to the default cost.
		s.logger.Warn("cost model lookup failed, using default cost", zap.Error(err))
		return s.defaultCost, nil
	}
	if model == nil {
		return s.defaultCost, nil
	}

	cost := model.PerExecution
	if resultKB > 0 {
		cost += resultKB * model.PerResultKB
	}
	if tokens > 0 && model.PerToken > 0 {
		cost += float64(tokens) * model.PerToken
	}
	if cost < model.MinimumCharge {
		cost = model.MinimumCharge
	}

	if model.VolumeDiscountThreshold > 0 && model.VolumeDiscountPercent > 0 &&
		model.ExecutionsCounted >= model.VolumeDiscountThreshold {
		cost *= 1 - model.VolumeDiscountPercent/100
	}

	s.logger.Debug("calculated execution cost",
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
		zap.String("method_id", methodID),
		zap.Float64("cost", cost),
	)
	return cost, nil
}

// CheckQuotaAvailable reports whether the user's current quota can absorb
// cost. No quota means unconditionally available (quotas are opt-in). A
// breached cap returns a *QuotaExceededError.
func (s *QuotaService) CheckQuotaAvailable(ctx context.Context, userID string, cost float64) (*QuotaSnapshot, error) {
	quota, err := s.currentQuota(ctx, userID)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("quota lookup failed, allowing execution", zap.Error(err))
			return &QuotaSnapshot{Available: true, Degraded: true}, nil
		}
		return nil, fmt.Errorf("load current quota: %w", err)
	}
	if quota == nil {
		return &QuotaSnapshot{Available: true}, nil
	}

	if quota.MaxCost > 0 && quota.CostUsed+cost > quota.MaxCost {
		s.logger.Warn("quota cost limit exceeded",
			zap.String("user_id", userID),
			zap.Float64("cost_used", quota.CostUsed),
			zap.Float64("max_cost", quota.MaxCost),
		)
		return nil, newQuotaExceeded(
			LimitQuotaCost,
			fmt.Sprintf("cost quota exceeded ($%.2f/$%.2f)", quota.CostUsed, quota.MaxCost),
			quota.CostUsed, quota.MaxCost,
		)
	}

	if quota.MaxExecutions > 0 && quota.ExecutionsUsed >= quota.MaxExecutions {
		s.logger.Warn("quota execution limit exceeded",
			zap.String("user_id", userID),
			zap.Int64("executions_used", quota.ExecutionsUsed),
			zap.Int64("max_executions", quota.MaxExecutions),
		)
		return nil, newQuotaExceeded(
			LimitQuotaExecutions,
			fmt.Sprintf("execution quota exceeded (%d/%d)", quota.ExecutionsUsed, quota.MaxExecutions),
			float64(quota.ExecutionsUsed), float64(quota.MaxExecutions),
		)
	}

	snap := &QuotaSnapshot{
		Available:      true,
		QuotaID:        quota.ID,
		CostUsed:       quota.CostUsed,
		MaxCost:        quota.MaxCost,
		ExecutionsUsed: quota.ExecutionsUsed,
		MaxExecutions:  quota.MaxExecutions,
		DaysRemaining:  int(quota.PeriodEnd.Sub(s.clock().UTC()).Hours() / 24),
	}
	if quota.MaxCost > 0 {
		snap.CostUsagePercent = (quota.CostUsed + cost) / quota.MaxCost * 100
	}
	if quota.MaxExecutions > 0 {
		snap.ExecutionUsagePercent = float64(quota.ExecutionsUsed+1) / float64(quota.MaxExecutions) * 100
	}
	return snap, nil
}

// RecordExecutionCost charges one execution against the user's current quota,
// their budget, and the resolved cost model's lifetime counter. The writes run
// in one retried transaction so a partial charge never lands; all counter
// updates are atomic column increments so concurrent recorders never lose
// updates.
func (s *QuotaService) RecordExecutionCost(ctx context.Context, userID string, cost float64, agentID, methodID string) error {
	now := s.clock().UTC()

	quota, err := s.currentQuota(ctx, userID)
	if err != nil {
		return fmt.Errorf("load current quota: %w", err)
	}
	model, err := s.resolveCostModel(ctx, userID, agentID, methodID)
	if err != nil {
		return fmt.Errorf("resolve cost model: %w", err)
	}

	return database.TransactionWithRetry(ctx, s.db, recordCostRetries, s.logger, func(tx *gorm.DB) error {
		if quota != nil {
			err := tx.Model(&UsageQuota{}).
				Where("id = ?", quota.ID).
				Updates(map[string]any{
					"cost_used":       gorm.Expr("cost_used + ?", cost),
					"executions_used": gorm.Expr("executions_used + ?", 1),
					"updated_at":      now,
				}).Error
			if err != nil {
				return fmt.Errorf("record quota usage: %w", err)
			}

			res := tx.Model(&UsageQuota{}).
				Where("id = ? AND is_exceeded = ?", quota.ID, false).
				Where("(max_cost > 0 AND cost_used > max_cost) OR (max_executions > 0 AND executions_used > max_executions)").
				Update("is_exceeded", true)
			if res.Error != nil {
				return fmt.Errorf("flag exceeded quota: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				s.logger.Warn("usage quota exceeded",
					zap.String("user_id", userID),
					zap.String("quota_id", quota.ID),
				)
			}
		}

		if err := s.recordBudgetSpend(ctx, tx, userID, cost, now); err != nil {
			return err
		}

		// Lifetime counter feeding the volume discount.
		if model != nil {
			err := tx.Model(&CostModel{}).
				Where("id = ?", model.ID).
				Updates(map[string]any{
					"executions_counted": gorm.Expr("executions_counted + ?", 1),
					"updated_at":         now,
				}).Error
			if err != nil {
				return fmt.Errorf("record cost model usage: %w", err)
			}
		}
		return nil
	})
}

// CheckBudgetAvailable reports whether the user's budget can absorb cost.
// Caps reject only when EnforceLimit is set; otherwise a crossed cap is
// surfaced on the snapshot as an alert signal.
func (s *QuotaService) CheckBudgetAvailable(ctx context.Context, userID string, cost float64) (*BudgetSnapshot, error) {
	budget, err := s.getOrCreateBudget(ctx, s.db, userID)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("budget lookup failed, allowing execution", zap.Error(err))
			return &BudgetSnapshot{Available: true, Degraded: true}, nil
		}
		return nil, fmt.Errorf("load user budget: %w", err)
	}

	monthlyExceeded := budget.MonthlyBudget > 0 && budget.CurrentMonthSpent+cost > budget.MonthlyBudget
	totalExceeded := budget.TotalBudget > 0 && budget.TotalSpent+cost > budget.TotalBudget

	if monthlyExceeded && budget.EnforceLimit {
		return nil, newQuotaExceeded(
			LimitBudgetMonthly,
			fmt.Sprintf("monthly budget exceeded ($%.2f/$%.2f)", budget.CurrentMonthSpent, budget.MonthlyBudget),
			budget.CurrentMonthSpent, budget.MonthlyBudget,
		)
	}
	if totalExceeded && budget.EnforceLimit {
		return nil, newQuotaExceeded(
			LimitBudgetTotal,
			fmt.Sprintf("total budget exceeded ($%.2f/$%.2f)", budget.TotalSpent, budget.TotalBudget),
			budget.TotalSpent, budget.TotalBudget,
		)
	}

	snap := &BudgetSnapshot{
		Available:       true,
		MonthlyBudget:   budget.MonthlyBudget,
		MonthlySpent:    budget.CurrentMonthSpent,
		TotalBudget:     budget.TotalBudget,
		TotalSpent:      budget.TotalSpent,
		MonthlyExceeded: monthlyExceeded,
		TotalExceeded:   totalExceeded,
	}
	if budget.MonthlyBudget > 0 {
		snap.MonthlyPercent = (budget.CurrentMonthSpent + cost) / budget.MonthlyBudget * 100
	}
	if budget.TotalBudget > 0 {
		snap.TotalPercent = (budget.TotalSpent + cost) / budget.TotalBudget * 100
	}
	return snap, nil
}

// CreateUsageQuota opens a new quota period for the user. Monthly and yearly
// quotas snap to calendar boundaries; custom quotas run customDays from now.
// At most one active quota may cover any instant for a user.
func (s *QuotaService) CreateUsageQuota(ctx context.Context, userID string, period QuotaPeriod, maxExecutions int64, maxCost float64, maxConcurrent, customDays int) (*UsageQuota, error) {
	now := s.clock().UTC()
	start, end := quotaPeriodAt(now, period, customDays)

	var overlapping int64
	err := s.db.WithContext(ctx).
		Model(&UsageQuota{}).
		Where("user_id = ? AND is_active = ? AND period_start < ? AND period_end > ?", userID, true, end, start).
		Count(&overlapping).Error
	if err != nil {
		return nil, fmt.Errorf("check quota overlap: %w", err)
	}
	if overlapping > 0 {
		return nil, ErrQuotaOverlap
	}

	quota := &UsageQuota{
		UserID:                   userID,
		QuotaPeriod:              period,
		PeriodStart:              start,
		PeriodEnd:                end,
		MaxExecutions:            maxExecutions,
		MaxCost:                  maxCost,
		MaxConcurrent:            maxConcurrent,
		WarningThresholdPercent:  80,
		CriticalThresholdPercent: 95,
		IsActive:                 true,
	}
	if err := s.db.WithContext(ctx).Create(quota).Error; err != nil {
		return nil, fmt.Errorf("create usage quota: %w", err)
	}

	s.logger.Info("created usage quota",
		zap.String("user_id", userID),
		zap.String("period", string(period)),
		zap.Float64("max_cost", maxCost),
		zap.Int64("max_executions", maxExecutions),
	)
	return quota, nil
}

// DeleteUsageQuota removes a quota owned by userID.
func (s *QuotaService) DeleteUsageQuota(ctx context.Context, quotaID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", quotaID, userID).
		Delete(&UsageQuota{})
	if res.Error != nil {
		return fmt.Errorf("delete usage quota: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

// SetCostModel creates or updates the active cost model for the exact
// (user, agent, method) scope.
func (s *QuotaService) SetCostModel(ctx context.Context, model *CostModel) error {
	if model.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidScope)
	}
	if model.MethodID != "" && model.AgentID == "" {
		return fmt.Errorf("%w: method-level cost model requires an agent id", ErrInvalidScope)
	}
	if model.Currency == "" {
		model.Currency = "USD"
	}

	var existing CostModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ? AND method_id = ? AND is_active = ?",
			model.UserID, model.AgentID, model.MethodID, true).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		model.IsActive = true
		if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
			return fmt.Errorf("create cost model: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find cost model: %w", err)
	default:
		err = s.db.WithContext(ctx).
			Model(&CostModel{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"per_execution":             model.PerExecution,
				"per_result_kb":             model.PerResultKB,
				"per_token":                 model.PerToken,
				"minimum_charge":            model.MinimumCharge,
				"volume_discount_threshold": model.VolumeDiscountThreshold,
				"volume_discount_percent":   model.VolumeDiscountPercent,
				"effective_from":            model.EffectiveFrom,
				"effective_to":              model.EffectiveTo,
				"currency":                  model.Currency,
				"description":               model.Description,
				"updated_at":                s.clock().UTC(),
			}).Error
		if err != nil {
			return fmt.Errorf("update cost model: %w", err)
		}
		model.ID = existing.ID
	}

	s.logger.Info("set cost model",
		zap.String("user_id", model.UserID),
		zap.String("agent_id", model.AgentID),
		zap.String("method_id", model.MethodID),
		zap.Float64("per_execution", model.PerExecution),
	)
	return nil
}

// DeleteCostModel removes a cost model owned by userID.
func (s *QuotaService) DeleteCostModel(ctx context.Context, modelID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", modelID, userID).
		Delete(&CostModel{})
	if res.Error != nil {
		return fmt.Errorf("delete cost model: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCostModelNotFound
	}
	return nil
}

// SetBudget creates or replaces the user's budget caps.
func (s *QuotaService) SetBudget(ctx context.Context, userID string, monthlyBudget, totalBudget float64, enforceLimit bool) (*UserBudget, error) {
	budget, err := s.getOrCreateBudget(ctx, s.db, userID)
	if err != nil {
		return nil, fmt.Errorf("load user budget: %w", err)
	}

	err = s.db.WithContext(ctx).
		Model(&UserBudget{}).
		Where("id = ?", budget.ID).
		Updates(map[string]any{
			"monthly_budget": monthlyBudget,
			"total_budget":   totalBudget,
			"enforce_limit":  enforceLimit,
			"updated_at":     s.clock().UTC(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update user budget: %w", err)
	}

	budget.MonthlyBudget = monthlyBudget
	budget.TotalBudget = totalBudget
	budget.EnforceLimit = enforceLimit
	return budget, nil
}

func (s *QuotaService) recordBudgetSpend(ctx context.Context, db *gorm.DB, userID string, cost float64, now time.Time) error {
	budget, err := s.getOrCreateBudget(ctx, db, userID)
	if err != nil {
		return fmt.Errorf("load user budget: %w", err)
	}

	err = db.WithContext(ctx).
		Model(&UserBudget{}).
		Where("id = ?", budget.ID).
		Updates(map[string]any{
			"total_spent":         gorm.Expr("total_spent + ?", cost),
			"current_month_spent": gorm.Expr("current_month_spent + ?", cost),
			"updated_at":          now,
		}).Error
	if err != nil {
		return fmt.Errorf("record budget spend: %w", err)
	}
	return nil
}

func (s *QuotaService) currentQuota(ctx context.Context, userID string) (*UsageQuota, error) {
	now := s.clock().UTC()
	var quota UsageQuota
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND period_start <= ? AND period_end > ?", userID, true, now, now).
		Order("created_at DESC").
		First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

// resolveCostModel returns the most specific active cost model for the
// scope, honoring effective-from/to validity windows: method level first,
// then agent level, then user level. Nil with a nil error means no model.
func (s *QuotaService) resolveCostModel(ctx context.Context, userID, agentID, methodID string) (*CostModel, error) {
	if agentID != "" && methodID != "" {
		model, err := s.findCostModel(ctx, userID, agentID, methodID)
		if err != nil || model != nil {
			return model, err
		}
	}
	if agentID != "" {
		model, err := s.findCostModel(ctx, userID, agentID, "")
		if err != nil || model != nil {
			return model, err
		}
	}
	return s.findCostModel(ctx, userID, "", "")
}

func (s *QuotaService) findCostModel(ctx context.Context, userID, agentID, methodID string) (*CostModel, error) {
	now := s.clock().UTC()
	var model CostModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND agent_id = ? AND method_id = ? AND is_active = ?", userID, agentID, methodID, true).
		Where("(effective_from IS NULL OR effective_from <= ?) AND (effective_to IS NULL OR effective_to > ?)", now, now).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// getOrCreateBudget loads the user's budget row, creating it on first use
// and resetting the monthly counter when the calendar month has rolled over.
func (s *QuotaService) getOrCreateBudget(ctx context.Context, db *gorm.DB, userID string) (*UserBudget, error) {
	now := s.clock().UTC()

	var budget UserBudget
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&budget).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		budget = UserBudget{
			UserID:         userID,
			EnforceLimit:   true,
			AlertAtPercent: 75,
			MonthStart:     monthStartAt(now),
			IsActive:       true,
		}
		if err := db.WithContext(ctx).Create(&budget).Error; err != nil {
			return nil, err
		}
		return &budget, nil
	}
	if err != nil {
		return nil, err
	}

	if monthStart := monthStartAt(now); budget.MonthStart.Before(monthStart) {
		err = db.WithContext(ctx).
			Model(&UserBudget{}).
			Where("id = ? AND month_start < ?", budget.ID, monthStart).
			Updates(map[string]any{
				"current_month_spent": 0,
				"month_start":         monthStart,
				"updated_at":          now,
			}).Error
		if err != nil {
			return nil, err
		}
		budget.CurrentMonthSpent = 0
		budget.MonthStart = monthStart
	}

	return &budget, nil
}
