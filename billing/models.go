package billing

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScopeKind identifies which level a rate limit or cost model applies to.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeAgent  ScopeKind = "agent"
	ScopeMethod ScopeKind = "method"
)

// QuotaPeriod is the accounting interval of a usage quota.
type QuotaPeriod string

const (
	QuotaMonthly QuotaPeriod = "monthly"
	QuotaYearly  QuotaPeriod = "yearly"
	QuotaCustom  QuotaPeriod = "custom"
)

// ReportPeriod is the aggregation interval of a usage report.
type ReportPeriod string

const (
	ReportDaily   ReportPeriod = "daily"
	ReportWeekly  ReportPeriod = "weekly"
	ReportMonthly ReportPeriod = "monthly"
	ReportYearly  ReportPeriod = "yearly"
)

// RateLimitConfig is a rate limiting policy for a (user, agent, method) scope.
// Optional fields use zero values as "unset": an empty AgentID/MethodID means
// the config is not bound to that level, a zero RequestsPerHour/PerDay means
// no secondary limit.
type RateLimitConfig struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"size:36;not null;index:idx_rate_limit_configs_user" json:"user_id"`

	ScopeKind ScopeKind `gorm:"size:16;not null;index:idx_rate_limit_configs_scope" json:"scope_kind"`
	AgentID   string    `gorm:"size:36;index:idx_rate_limit_configs_scope" json:"agent_id,omitempty"`
	MethodID  string    `gorm:"size:255;index:idx_rate_limit_configs_scope" json:"method_id,omitempty"`

	RequestsPerMinute    int `gorm:"not null" json:"requests_per_minute"`
	RequestsPerHour      int `json:"requests_per_hour,omitempty"`
	RequestsPerDay       int `json:"requests_per_day,omitempty"`
	ConcurrentExecutions int `gorm:"not null" json:"concurrent_executions"`

	// BurstSize is stored for operators but not consulted by the admission
	// decision. See the package documentation.
	BurstSize       int  `json:"burst_size,omitempty"`
	ThrottleEnabled bool `json:"throttle_enabled"`

	IsActive    bool   `gorm:"index:idx_rate_limit_configs_active" json:"is_active"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *RateLimitConfig) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// RateLimitUsage is a time-bucketed usage row for one config. A row is
// created lazily on the first write in a window and counters only grow.
type RateLimitUsage struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	ConfigID string `gorm:"size:36;not null;uniqueIndex:idx_rate_limit_usage_bucket" json:"config_id"`
	UserID   string `gorm:"size:36;not null;index:idx_rate_limit_usage_user" json:"user_id"`

	WindowType  string    `gorm:"size:16;not null" json:"window_type"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_rate_limit_usage_bucket;index:idx_rate_limit_usage_window" json:"window_start"`
	WindowEnd   time.Time `gorm:"not null;index:idx_rate_limit_usage_window" json:"window_end"`

	RequestCount   int64   `json:"request_count"`
	ThrottledCount int64   `json:"throttled_count"`
	RejectedCount  int64   `json:"rejected_count"`
	TotalCost      float64 `json:"total_cost"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (u *RateLimitUsage) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// CostModel prices executions for a (user[, agent[, method]]) scope.
type CostModel struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"size:36;not null;index:idx_cost_models_user" json:"user_id"`

	AgentID  string `gorm:"size:36;index:idx_cost_models_scope" json:"agent_id,omitempty"`
	MethodID string `gorm:"size:255;index:idx_cost_models_scope" json:"method_id,omitempty"`

	PerExecution  float64 `gorm:"not null" json:"per_execution"`
	PerResultKB   float64 `gorm:"not null" json:"per_result_kb"`
	PerToken      float64 `json:"per_token,omitempty"`
	MinimumCharge float64 `gorm:"not null" json:"minimum_charge"`

	VolumeDiscountThreshold int64   `json:"volume_discount_threshold,omitempty"`
	VolumeDiscountPercent   float64 `json:"volume_discount_percent,omitempty"`

	// ExecutionsCounted is the lifetime execution count recorded against this
	// model's scope. Drives the volume discount.
	ExecutionsCounted int64 `json:"executions_counted"`

	IsActive      bool       `gorm:"index:idx_cost_models_active" json:"is_active"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Currency    string `gorm:"size:3" json:"currency"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *CostModel) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// UsageQuota is a period-bounded cap on cumulative cost and/or executions.
// Zero MaxExecutions/MaxCost means the corresponding cap is unset.
type UsageQuota struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"size:36;not null;index:idx_usage_quotas_user" json:"user_id"`

	QuotaPeriod QuotaPeriod `gorm:"size:16;not null" json:"quota_period"`
	PeriodStart time.Time   `gorm:"not null;index:idx_usage_quotas_period" json:"period_start"`
	PeriodEnd   time.Time   `gorm:"not null;index:idx_usage_quotas_period" json:"period_end"`

	MaxExecutions int64   `json:"max_executions,omitempty"`
	MaxCost       float64 `json:"max_cost,omitempty"`
	MaxConcurrent int     `json:"max_concurrent,omitempty"`

	ExecutionsUsed int64   `json:"executions_used"`
	CostUsed       float64 `json:"cost_used"`

	WarningThresholdPercent  float64 `json:"warning_threshold_percent"`
	CriticalThresholdPercent float64 `json:"critical_threshold_percent"`

	IsActive   bool `gorm:"index:idx_usage_quotas_active" json:"is_active"`
	IsExceeded bool `json:"is_exceeded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (q *UsageQuota) BeforeCreate(*gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	return nil
}

// UserBudget tracks monthly and lifetime spend against optional caps.
// One row per user, independent of quotas.
type UserBudget struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"size:36;not null;uniqueIndex:idx_user_budgets_user" json:"user_id"`

	MonthlyBudget float64 `json:"monthly_budget,omitempty"`
	TotalBudget   float64 `json:"total_budget,omitempty"`

	CurrentMonthSpent float64 `json:"current_month_spent"`
	TotalSpent        float64 `json:"total_spent"`

	// EnforceLimit selects reject-vs-warn when a cap is crossed.
	EnforceLimit   bool    `json:"enforce_limit"`
	AlertAtPercent float64 `json:"alert_at_percent"`

	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
	MonthStart  time.Time  `json:"month_start"`

	IsActive bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *UserBudget) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

// UsageReport is an immutable aggregated snapshot of a closed period.
type UsageReport struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"size:36;not null;index:idx_usage_reports_user" json:"user_id"`

	ReportPeriod ReportPeriod `gorm:"size:16;not null;index:idx_usage_reports_type" json:"report_period"`
	PeriodStart  time.Time    `gorm:"not null;index:idx_usage_reports_period" json:"period_start"`
	PeriodEnd    time.Time    `gorm:"not null;index:idx_usage_reports_period" json:"period_end"`

	TotalExecutions int64   `json:"total_executions"`
	ThrottledCount  int64   `json:"throttled_count"`
	RejectedCount   int64   `json:"rejected_count"`
	TotalCost       float64 `json:"total_cost"`
	AverageCost     float64 `json:"average_cost"`

	IsFinalized bool      `json:"is_finalized"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (r *UsageReport) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// Migrate creates or updates all billing tables.
// Supports PostgreSQL, MySQL and SQLite.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RateLimitConfig{},
		&RateLimitUsage{},
		&CostModel{},
		&UsageQuota{},
		&UserBudget{},
		&UsageReport{},
	)
}
