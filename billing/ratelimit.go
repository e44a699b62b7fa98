package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter key prefixes. Keys are partitioned per scope descriptor so
// contention is naturally split by tenant/agent/method.
const (
	prefixRequests   = "ratelimit:requests"
	prefixConcurrent = "ratelimit:concurrent"
	prefixSlot       = "ratelimit:slot"
)

// maxThrottleSeconds caps the computed throttle delay.
const maxThrottleSeconds = 10

// RateLimitResult is the outcome of an admission check.
type RateLimitResult struct {
	Allowed bool `json:"allowed"`

	// Throttled is set when the scope is over its limit but the config asks
	// for throttling: the request is admitted with a suggested wait.
	Throttled       bool `json:"throttled,omitempty"`
	ThrottleSeconds int  `json:"throttle_seconds,omitempty"`

	// Degraded is set when the backing store was unreachable and the request
	// was admitted under the fail-open policy.
	Degraded bool `json:"degraded,omitempty"`

	CurrentCount  int64     `json:"current_count"`
	Limit         int       `json:"limit"`
	WindowSeconds int       `json:"window_seconds"`
	ResetAt       time.Time `json:"reset_at"`
}

// RateLimitOptions tunes a RateLimitService.
type RateLimitOptions struct {
	// Window is the primary fixed-window size. Defaults to one minute.
	Window time.Duration

	// LeaseTTL bounds how long a concurrency slot may be held before the
	// lease expires, so a crashed holder cannot leak a slot forever.
	// Defaults to one hour.
	LeaseTTL time.Duration

	// FailOpen admits requests when the counter store or the database is
	// unreachable, trading strictness for availability. Defaults to true via
	// config; a zero Options value is fail-closed.
	FailOpen bool

	Logger *zap.Logger
	Clock  Clock
}

// RateLimitService decides allow / throttle / reject per scope and bounds
// concurrent executions. All coordination happens through the counter store;
// the service itself holds no mutable state.
type RateLimitService struct {
	db       *gorm.DB
	counters CounterStore
	window   time.Duration
	leaseTTL time.Duration
	failOpen bool
	logger   *zap.Logger
	clock    Clock
}

// NewRateLimitService creates a rate limit service.
func NewRateLimitService(db *gorm.DB, counters CounterStore, opts RateLimitOptions) *RateLimitService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Hour
	}

	return &RateLimitService{
		db:       db,
		counters: counters,
		window:   opts.Window,
		leaseTTL: opts.LeaseTTL,
		failOpen: opts.FailOpen,
		logger:   opts.Logger.With(zap.String("component", "ratelimit")),
		clock:    opts.Clock,
	}
}

// granularity is one fixed-window limit of a config. The primary granularity
// is the configured window (minute by default); hour and day limits are
// optional secondary caps.
type granularity struct {
	label   string
	suffix  string
	size    time.Duration
	limit   int
	primary bool
}

func (s *RateLimitService) granularities(cfg *RateLimitConfig) []granularity {
	gs := make([]granularity, 0, 3)
	if cfg.RequestsPerDay > 0 {
		gs = append(gs, granularity{label: "day", suffix: ":day", size: 24 * time.Hour, limit: cfg.RequestsPerDay})
	}
	if cfg.RequestsPerHour > 0 {
		gs = append(gs, granularity{label: "hour", suffix: ":hour", size: time.Hour, limit: cfg.RequestsPerHour})
	}
	gs = append(gs, granularity{label: windowLabel(s.window), size: s.window, limit: cfg.RequestsPerMinute, primary: true})
	return gs
}

// CheckRateLimit admits, throttles or rejects a single request for the given
// scope. A missing config means unconditional allow. Over the limit with
// throttling enabled the request is still admitted, carrying a suggested
// delay; with throttling disabled a *RateLimitError is returned.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, userID string, scope ScopeKind, agentID, methodID string) (*RateLimitResult, error) {
	cfg, err := s.resolveConfig(ctx, userID, scope, agentID, methodID)
	if err != nil {
		return s.admitDegraded("resolve rate limit config", err)
	}
	return s.checkWithConfig(ctx, cfg, userID, scope, agentID, methodID)
}

// checkWithConfig runs the window checks against an already resolved config
// so callers holding one do not pay a second resolution query.
func (s *RateLimitService) checkWithConfig(ctx context.Context, cfg *RateLimitConfig, userID string, scope ScopeKind, agentID, methodID string) (*RateLimitResult, error) {
	if cfg == nil {
		return &RateLimitResult{Allowed: true}, nil
	}

	now := s.clock().UTC()
	key := scopeKey(prefixRequests, userID, scope, agentID, methodID)

	grans := s.granularities(cfg)
	for _, g := range grans {
		_, end := windowAt(now, g.size)
		count, err := s.counters.Get(ctx, key+g.suffix)
		if err != nil {
			return s.admitDegraded("read request counter", err)
		}
		if count < int64(g.limit) {
			continue
		}

		windowSeconds := int(g.size / time.Second)
		if cfg.ThrottleEnabled {
			delay := throttleDelay(count, g.limit)
			if err := s.counters.SetValue(ctx, key+":throttle", strconv.Itoa(delay), end.Sub(now)); err != nil {
				s.logger.Warn("failed to store throttle delay", zap.String("key", key), zap.Error(err))
			}
			s.logger.Warn("rate limit throttling",
				zap.String("user_id", userID),
				zap.String("window", g.label),
				zap.Int64("count", count),
				zap.Int("limit", g.limit),
				zap.Int("delay_seconds", delay),
			)
			return &RateLimitResult{
				Allowed:         true,
				Throttled:       true,
				CurrentCount:    count,
				Limit:           g.limit,
				WindowSeconds:   windowSeconds,
				ResetAt:         end,
				ThrottleSeconds: delay,
			}, nil
		}

		retryAfter := int(math.Ceil(end.Sub(now).Seconds()))
		s.logger.Warn("rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("window", g.label),
			zap.Int64("count", count),
			zap.Int("limit", g.limit),
		)
		return nil, NewRateLimitError(count, g.limit, retryAfter)
	}

	result := &RateLimitResult{Allowed: true}
	for _, g := range grans {
		_, end := windowAt(now, g.size)
		n, err := s.counters.IncrBy(ctx, key+g.suffix, 1, end.Sub(now))
		if err != nil {
			return s.admitDegraded("increment request counter", err)
		}
		if g.primary {
			result.CurrentCount = n
			result.Limit = g.limit
			result.WindowSeconds = int(g.size / time.Second)
			result.ResetAt = end
		}
	}

	s.logger.Debug("rate limit check passed",
		zap.String("user_id", userID),
		zap.Int64("count", result.CurrentCount),
		zap.Int("limit", result.Limit),
	)
	return result, nil
}

// AcquireSlot reserves a concurrency slot for the scope and returns an opaque
// token the caller must pass to ReleaseSlot on every exit path. An empty
// token means no concurrency limit applies and release is a no-op.
func (s *RateLimitService) AcquireSlot(ctx context.Context, userID string, scope ScopeKind, agentID, methodID string) (string, error) {
	cfg, err := s.resolveConfig(ctx, userID, scope, agentID, methodID)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("config store unavailable, admitting without slot", zap.Error(err))
			return "", nil
		}
		return "", fmt.Errorf("resolve rate limit config: %w", err)
	}
	return s.acquireWithConfig(ctx, cfg, userID, scope, agentID, methodID)
}

// acquireWithConfig reserves a slot against an already resolved config.
func (s *RateLimitService) acquireWithConfig(ctx context.Context, cfg *RateLimitConfig, userID string, scope ScopeKind, agentID, methodID string) (string, error) {
	if cfg == nil || cfg.ConcurrentExecutions <= 0 {
		return "", nil
	}

	key := scopeKey(prefixConcurrent, userID, scope, agentID, methodID)
	current, err := s.counters.Get(ctx, key)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("counter store unavailable, admitting without slot", zap.Error(err))
			return "", nil
		}
		return "", fmt.Errorf("read concurrency counter: %w", err)
	}
	if current >= int64(cfg.ConcurrentExecutions) {
		return "", &ConcurrencyLimitError{Current: current, Limit: cfg.ConcurrentExecutions}
	}

	// The lease TTL bounds leakage: if a holder crashes, the slot key expires
	// and the counter itself is refreshed on every acquire, so an orphaned
	// counter clears once the scope goes idle for a full lease.
	if _, err := s.counters.IncrBy(ctx, key, 1, s.leaseTTL); err != nil {
		if s.failOpen {
			s.logger.Warn("counter store unavailable, admitting without slot", zap.Error(err))
			return "", nil
		}
		return "", fmt.Errorf("increment concurrency counter: %w", err)
	}

	token := uuid.New().String()
	if err := s.counters.SetValue(ctx, prefixSlot+":"+token, key, s.leaseTTL); err != nil {
		// Slot is held but the token could not be stored; give the slot back
		// rather than leak it.
		if _, derr := s.counters.DecrFloor(ctx, key); derr != nil {
			s.logger.Error("failed to roll back concurrency slot", zap.Error(derr))
		}
		return "", fmt.Errorf("store slot token: %w", err)
	}

	s.logger.Debug("concurrency slot acquired",
		zap.String("user_id", userID),
		zap.Int64("current", current+1),
		zap.Int("limit", cfg.ConcurrentExecutions),
	)
	return token, nil
}

// ReleaseSlot returns a concurrency slot. Releasing an empty, unknown or
// already-released token is a no-op; the counter never goes negative.
func (s *RateLimitService) ReleaseSlot(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	key, found, err := s.counters.GetDel(ctx, prefixSlot+":"+token)
	if err != nil {
		return fmt.Errorf("resolve slot token: %w", err)
	}
	if !found {
		return nil
	}

	if _, err := s.counters.DecrFloor(ctx, key); err != nil {
		return fmt.Errorf("decrement concurrency counter: %w", err)
	}
	return nil
}

// RecordUsage accumulates a request into the current usage window for a
// config. The row is created lazily; all counter updates are atomic column
// increments so concurrent recorders never lose updates.
func (s *RateLimitService) RecordUsage(ctx context.Context, configID, userID string, cost float64, throttled, rejected bool) error {
	now := s.clock().UTC()
	start, end := windowAt(now, s.window)

	row := &RateLimitUsage{
		ConfigID:    configID,
		UserID:      userID,
		WindowType:  windowLabel(s.window),
		WindowStart: start,
		WindowEnd:   end,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "config_id"}, {Name: "window_start"}},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("create usage window: %w", err)
	}

	updates := map[string]any{
		"request_count": gorm.Expr("request_count + ?", 1),
		"total_cost":    gorm.Expr("total_cost + ?", cost),
		"updated_at":    now,
	}
	if throttled {
		updates["throttled_count"] = gorm.Expr("throttled_count + ?", 1)
	}
	if rejected {
		updates["rejected_count"] = gorm.Expr("rejected_count + ?", 1)
	}

	err = s.db.WithContext(ctx).
		Model(&RateLimitUsage{}).
		Where("config_id = ? AND window_start = ?", configID, start).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// CreateRateLimitConfig validates and persists a new config. Zero numeric
// limits fall back to the defaults of the original platform (100 rpm, 10
// concurrent).
func (s *RateLimitService) CreateRateLimitConfig(ctx context.Context, cfg *RateLimitConfig) error {
	if cfg.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidScope)
	}
	switch cfg.ScopeKind {
	case ScopeUser:
	case ScopeAgent:
		if cfg.AgentID == "" {
			return fmt.Errorf("%w: agent scope requires an agent id", ErrInvalidScope)
		}
	case ScopeMethod:
		if cfg.AgentID == "" || cfg.MethodID == "" {
			return fmt.Errorf("%w: method scope requires agent and method ids", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidScope, cfg.ScopeKind)
	}

	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 100
	}
	if cfg.ConcurrentExecutions < 0 {
		cfg.ConcurrentExecutions = 0
	} else if cfg.ConcurrentExecutions == 0 {
		cfg.ConcurrentExecutions = 10
	}

	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return fmt.Errorf("create rate limit config: %w", err)
	}

	s.logger.Info("created rate limit config",
		zap.String("config_id", cfg.ID),
		zap.String("user_id", cfg.UserID),
		zap.String("scope", string(cfg.ScopeKind)),
	)
	return nil
}

// updatableConfigColumns are the fields UpdateRateLimitConfig may change.
var updatableConfigColumns = map[string]bool{
	"requests_per_minute":   true,
	"requests_per_hour":     true,
	"requests_per_day":      true,
	"concurrent_executions": true,
	"burst_size":            true,
	"throttle_enabled":      true,
	"is_active":             true,
	"description":           true,
}

// UpdateRateLimitConfig applies a partial update to a config owned by userID.
func (s *RateLimitService) UpdateRateLimitConfig(ctx context.Context, configID, userID string, updates map[string]any) (*RateLimitConfig, error) {
	filtered := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		if updatableConfigColumns[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("no updatable fields given")
	}
	filtered["updated_at"] = s.clock().UTC()

	res := s.db.WithContext(ctx).
		Model(&RateLimitConfig{}).
		Where("id = ? AND user_id = ?", configID, userID).
		Updates(filtered)
	if res.Error != nil {
		return nil, fmt.Errorf("update rate limit config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConfigNotFound
	}

	var cfg RateLimitConfig
	if err := s.db.WithContext(ctx).First(&cfg, "id = ?", configID).Error; err != nil {
		return nil, fmt.Errorf("reload rate limit config: %w", err)
	}

	s.logger.Info("updated rate limit config", zap.String("config_id", configID))
	return &cfg, nil
}

// ListRateLimitConfigs returns a user's configs, optionally filtered by
// scope kind, most recent first.
func (s *RateLimitService) ListRateLimitConfigs(ctx context.Context, userID string, scope ScopeKind) ([]RateLimitConfig, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if scope != "" {
		q = q.Where("scope_kind = ?", scope)
	}

	var configs []RateLimitConfig
	if err := q.Order("created_at DESC").Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("list rate limit configs: %w", err)
	}
	return configs, nil
}

// DeleteRateLimitConfig removes a config owned by userID.
func (s *RateLimitService) DeleteRateLimitConfig(ctx context.Context, configID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", configID, userID).
		Delete(&RateLimitConfig{})
	if res.Error != nil {
		return fmt.Errorf("delete rate limit config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConfigNotFound
	}

	s.logger.Info("deleted rate limit config", zap.String("config_id", configID))
	return nil
}

// resolveConfig returns the most specific active config for the scope:
// method level first, then agent level, then user level. A nil config with a
// nil error means no limit is configured.
func (s *RateLimitService) resolveConfig(ctx context.Context, userID string, scope ScopeKind, agentID, methodID string) (*RateLimitConfig, error) {
	if scope == ScopeMethod && agentID != "" && methodID != "" {
		cfg, err := s.findConfig(ctx, userID, "scope_kind = ? AND agent_id = ? AND method_id = ?", ScopeMethod, agentID, methodID)
		if err != nil || cfg != nil {
			return cfg, err
		}
	}
	if (scope == ScopeMethod || scope == ScopeAgent) && agentID != "" {
		cfg, err := s.findConfig(ctx, userID, "scope_kind = ? AND agent_id = ? AND method_id = ?", ScopeAgent, agentID, "")
		if err != nil || cfg != nil {
			return cfg, err
		}
	}
	return s.findConfig(ctx, userID, "scope_kind = ?", ScopeUser)
}

func (s *RateLimitService) findConfig(ctx context.Context, userID, cond string, args ...any) (*RateLimitConfig, error) {
	var cfg RateLimitConfig
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where(cond, args...).
		Order("created_at DESC").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RateLimitService) admitDegraded(op string, err error) (*RateLimitResult, error) {
	if s.failOpen {
		s.logger.Warn("backing store unavailable, admitting request",
			zap.String("op", op),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true, Degraded: true}, nil
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

// throttleDelay ramps linearly from 0 to maxThrottleSeconds as the overage
// approaches half the limit: min(floor((count-limit)/(limit/2))*10, 10).
func throttleDelay(count int64, limit int) int {
	if count <= int64(limit) {
		return 0
	}
	maxExcess := int64(limit / 2)
	if maxExcess == 0 {
		return maxThrottleSeconds
	}
	delay := (count - int64(limit)) / maxExcess * maxThrottleSeconds
	if delay > maxThrottleSeconds {
		return maxThrottleSeconds
	}
	return int(delay)
}

// scopeKey builds the counter key for a scope descriptor.
func scopeKey(prefix, userID string, scope ScopeKind, agentID, methodID string) string {
	key := prefix + ":" + userID + ":" + string(scope)
	if agentID != "" {
		key += ":" + agentID
	}
	if methodID != "" {
		key += ":" + methodID
	}
	return key
}

// windowLabel names a window size for the usage ledger.
func windowLabel(size time.Duration) string {
	switch size {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	default:
		return size.String()
	}
}
