package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/internal/metrics"
)

// Options configures the composed admission service.
type Options struct {
	// Window is the primary rate limit window. Defaults to one minute.
	Window time.Duration

	// LeaseTTL bounds concurrency slot leases. Defaults to one hour.
	LeaseTTL time.Duration

	// FailOpen admits requests when a backing store is unreachable.
	FailOpen bool

	// DefaultCost is charged when no cost model resolves. Defaults to 0.001.
	DefaultCost float64

	// AutoMigrate runs schema migration on startup.
	AutoMigrate bool

	// MetricsNamespace prefixes all exported metrics. Defaults to "agentgate".
	MetricsNamespace string

	// MetricsRegisterer receives the collectors. Defaults to the global
	// Prometheus registerer; tests pass a fresh registry.
	MetricsRegisterer prometheus.Registerer

	Logger *zap.Logger
	Clock  Clock
}

// Service is the execution gate: it composes rate limiting, concurrency
// admission, quota and budget enforcement, cost accounting and reporting
// behind two calls, AdmitExecution and CompleteExecution.
type Service struct {
	RateLimits *RateLimitService
	Quotas     *QuotaService
	Reports    *ReportService

	db      *gorm.DB
	metrics *metrics.Collector
	logger  *zap.Logger
	clock   Clock
}

// New creates the admission service on top of a policy database and a
// counter store.
func New(db *gorm.DB, counters CounterStore, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MetricsNamespace == "" {
		opts.MetricsNamespace = "agentgate"
	}
	if opts.MetricsRegisterer == nil {
		opts.MetricsRegisterer = prometheus.DefaultRegisterer
	}

	if opts.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate billing schema: %w", err)
		}
	}

	s := &Service{
		RateLimits: NewRateLimitService(db, counters, RateLimitOptions{
			Window:   opts.Window,
			LeaseTTL: opts.LeaseTTL,
			FailOpen: opts.FailOpen,
			Logger:   opts.Logger,
			Clock:    opts.Clock,
		}),
		Quotas: NewQuotaService(db, QuotaOptions{
			DefaultCost: opts.DefaultCost,
			FailOpen:    opts.FailOpen,
			Logger:      opts.Logger,
			Clock:       opts.Clock,
		}),
		Reports: NewReportService(db, ReportOptions{
			Logger: opts.Logger,
			Clock:  opts.Clock,
		}),
		db:      db,
		metrics: metrics.NewCollector(opts.MetricsNamespace, opts.MetricsRegisterer, opts.Logger),
		logger:  opts.Logger.With(zap.String("component", "billing")),
		clock:   opts.Clock,
	}
	return s, nil
}

// Admission is the outcome of AdmitExecution. When Allowed, the caller must
// pass it to CompleteExecution or AbortExecution on every exit path so the
// concurrency slot is returned and usage is recorded.
type Admission struct {
	Allowed bool `json:"allowed"`

	Throttled       bool `json:"throttled,omitempty"`
	ThrottleSeconds int  `json:"throttle_seconds,omitempty"`
	Degraded        bool `json:"degraded,omitempty"`

	RateLimit *RateLimitResult `json:"rate_limit,omitempty"`
	Quota     *QuotaSnapshot   `json:"quota,omitempty"`
	Budget    *BudgetSnapshot  `json:"budget,omitempty"`

	// SlotToken is the concurrency lease; empty when no limit applies.
	SlotToken string `json:"slot_token,omitempty"`

	userID   string
	agentID  string
	methodID string
	configID string
}

// AdmitExecution runs the full admission pipeline for one execution:
// rate limit, budget, quota, then concurrency slot. estimatedCost feeds the
// budget and quota headroom checks; the actual charge happens at completion.
// On rejection the returned error is a *RateLimitError, *ConcurrencyLimitError
// or *QuotaExceededError and the rejection is accounted in the usage ledger.
func (s *Service) AdmitExecution(ctx context.Context, userID string, scope ScopeKind, agentID, methodID string, estimatedCost float64) (*Admission, error) {
	adm := &Admission{
		userID:   userID,
		agentID:  agentID,
		methodID: methodID,
	}

	// The config is resolved once and threaded through the rate limit and
	// concurrency checks.
	cfg, cfgErr := s.RateLimits.resolveConfig(ctx, userID, scope, agentID, methodID)
	if cfg != nil {
		adm.configID = cfg.ID
	}

	var rl *RateLimitResult
	var err error
	if cfgErr != nil {
		rl, err = s.RateLimits.admitDegraded("resolve rate limit config", cfgErr)
	} else {
		rl, err = s.RateLimits.checkWithConfig(ctx, cfg, userID, scope, agentID, methodID)
	}
	if err != nil {
		s.recordRejection(ctx, adm, scopeLabel(scope), err)
		return nil, err
	}
	adm.RateLimit = rl
	adm.Throttled = rl.Throttled
	adm.ThrottleSeconds = rl.ThrottleSeconds
	adm.Degraded = rl.Degraded

	budget, err := s.Quotas.CheckBudgetAvailable(ctx, userID, estimatedCost)
	if err != nil {
		s.recordRejection(ctx, adm, scopeLabel(scope), err)
		return nil, err
	}
	adm.Budget = budget
	adm.Degraded = adm.Degraded || budget.Degraded

	quota, err := s.Quotas.CheckQuotaAvailable(ctx, userID, estimatedCost)
	if err != nil {
		s.recordRejection(ctx, adm, scopeLabel(scope), err)
		return nil, err
	}
	adm.Quota = quota
	adm.Degraded = adm.Degraded || quota.Degraded

	var token string
	if cfgErr == nil {
		token, err = s.RateLimits.acquireWithConfig(ctx, cfg, userID, scope, agentID, methodID)
		if err != nil {
			var cle *ConcurrencyLimitError
			if errors.As(err, &cle) {
				s.metrics.RecordSlotAcquire("rejected")
			}
			s.recordRejection(ctx, adm, scopeLabel(scope), err)
			return nil, err
		}
	}
	adm.SlotToken = token
	if token == "" {
		s.metrics.RecordSlotAcquire("unlimited")
	} else {
		s.metrics.RecordSlotAcquire("acquired")
	}

	adm.Allowed = true
	switch {
	case adm.Degraded:
		s.metrics.RecordAdmission(scopeLabel(scope), metrics.DecisionDegraded)
	case adm.Throttled:
		s.metrics.RecordAdmission(scopeLabel(scope), metrics.DecisionThrottled)
		s.metrics.RecordThrottleDelay(adm.ThrottleSeconds)
	default:
		s.metrics.RecordAdmission(scopeLabel(scope), metrics.DecisionAllowed)
	}
	return adm, nil
}

// CompleteExecution charges a finished execution: prices it from the cost
// model, records it against quota, budget and the usage ledger, and returns
// the concurrency slot. Returns the charged cost.
func (s *Service) CompleteExecution(ctx context.Context, adm *Admission, resultKB float64, tokens int) (float64, error) {
	if adm == nil {
		return 0, fmt.Errorf("nil admission")
	}

	defer func() {
		if err := s.RateLimits.ReleaseSlot(ctx, adm.SlotToken); err != nil {
			s.logger.Warn("failed to release concurrency slot", zap.Error(err))
		} else if adm.SlotToken != "" {
			s.metrics.RecordSlotRelease()
		}
	}()

	cost, err := s.Quotas.CalculateCost(ctx, adm.userID, adm.agentID, adm.methodID, resultKB, tokens)
	if err != nil {
		return 0, fmt.Errorf("calculate cost: %w", err)
	}

	if err := s.Quotas.RecordExecutionCost(ctx, adm.userID, cost, adm.agentID, adm.methodID); err != nil {
		return 0, fmt.Errorf("record execution cost: %w", err)
	}

	if adm.configID != "" {
		if err := s.RateLimits.RecordUsage(ctx, adm.configID, adm.userID, cost, adm.Throttled, false); err != nil {
			return 0, fmt.Errorf("record usage: %w", err)
		}
	}

	s.metrics.RecordExecutionCost("USD", cost)
	return cost, nil
}

// AbortExecution returns the concurrency slot of an admitted execution that
// did not run. Nothing is charged.
func (s *Service) AbortExecution(ctx context.Context, adm *Admission) error {
	if adm == nil || adm.SlotToken == "" {
		return nil
	}
	if err := s.RateLimits.ReleaseSlot(ctx, adm.SlotToken); err != nil {
		return err
	}
	s.metrics.RecordSlotRelease()
	return nil
}

// GenerateUsageReport builds (or returns) the report for the period
// containing at, recording generation latency.
func (s *Service) GenerateUsageReport(ctx context.Context, userID string, period ReportPeriod, at time.Time) (*UsageReport, error) {
	start := s.clock()
	report, err := s.Reports.GenerateUsageReport(ctx, userID, period, at)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordReportGeneration(s.clock().Sub(start))
	return report, nil
}

// ObserveDBStats exports database pool statistics through the gate's
// metrics. Daemons feed it periodically from their pool's Stats.
func (s *Service) ObserveDBStats(driver string, stats sql.DBStats) {
	s.metrics.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
}

// recordRejection accounts a rejected execution in the usage ledger and in
// the exported metrics. Ledger failures are logged, not propagated: the
// caller's rejection error must survive.
func (s *Service) recordRejection(ctx context.Context, adm *Admission, scope string, cause error) {
	s.metrics.RecordAdmission(scope, metrics.DecisionRejected)

	var qe *QuotaExceededError
	if errors.As(cause, &qe) {
		s.metrics.RecordQuotaRejection(string(qe.Kind))
	}

	if adm.configID == "" {
		return
	}
	if err := s.RateLimits.RecordUsage(ctx, adm.configID, adm.userID, 0, false, true); err != nil {
		s.logger.Warn("failed to record rejected usage", zap.Error(err))
	}
}

func scopeLabel(scope ScopeKind) string {
	if scope == "" {
		return string(ScopeUser)
	}
	return string(scope)
}
