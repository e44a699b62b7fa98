package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned by CRUD operations when a rate limit
	// config does not exist or belongs to another user. Resolution treats a
	// missing config as "no limit", never as this error.
	ErrConfigNotFound = errors.New("rate limit config not found")

	// ErrQuotaNotFound is returned by quota CRUD operations.
	ErrQuotaNotFound = errors.New("usage quota not found")

	// ErrCostModelNotFound is returned by cost model CRUD operations.
	ErrCostModelNotFound = errors.New("cost model not found")

	// ErrQuotaOverlap is returned when creating a quota whose period overlaps
	// an existing active quota for the same user.
	ErrQuotaOverlap = errors.New("an active quota already covers this period")

	// ErrInvalidScope is returned when a scope descriptor is incomplete,
	// e.g. a method scope without an agent.
	ErrInvalidScope = errors.New("invalid scope descriptor")
)

// RateLimitError is a hard rejection of a request whose window is exhausted
// and whose config has throttling disabled.
type RateLimitError struct {
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	CurrentCount      int64  `json:"current_count"`
	Limit             int    `json:"limit"`
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// NewRateLimitError builds a RateLimitError with a caller-facing message.
func NewRateLimitError(count int64, limit, retryAfter int) *RateLimitError {
	return &RateLimitError{
		Message:           fmt.Sprintf("rate limit exceeded (%d/%d), retry after %ds", count, limit, retryAfter),
		RetryAfterSeconds: retryAfter,
		CurrentCount:      count,
		Limit:             limit,
	}
}

// ConcurrencyLimitError is a hard rejection of a slot acquisition. There is
// no throttling option for concurrency admission.
type ConcurrencyLimitError struct {
	Current int64 `json:"current"`
	Limit   int   `json:"limit"`
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrent execution limit exceeded (%d/%d)", e.Current, e.Limit)
}

// LimitKind identifies which cap a QuotaExceededError refers to.
type LimitKind string

const (
	LimitQuotaCost       LimitKind = "quota_cost"
	LimitQuotaExecutions LimitKind = "quota_executions"
	LimitBudgetMonthly   LimitKind = "budget_monthly"
	LimitBudgetTotal     LimitKind = "budget_total"
)

// QuotaExceededError reports a breached cost, execution or budget cap. It
// carries current usage and the limit for caller-facing messaging.
type QuotaExceededError struct {
	Kind         LimitKind `json:"kind"`
	Message      string    `json:"message"`
	CurrentUsage float64   `json:"current_usage"`
	Limit        float64   `json:"limit"`
}

func (e *QuotaExceededError) Error() string {
	return e.Message
}

func newQuotaExceeded(kind LimitKind, message string, usage, limit float64) *QuotaExceededError {
	return &QuotaExceededError{Kind: kind, Message: message, CurrentUsage: usage, Limit: limit}
}

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsQuotaExceeded reports whether err is a quota or budget rejection.
func IsQuotaExceeded(err error) bool {
	var e *QuotaExceededError
	return errors.As(err, &e)
}
