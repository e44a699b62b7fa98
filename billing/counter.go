package billing

import (
	"context"
	"time"
)

// CounterStore is the atomic distributed counter this package coordinates
// through. The production implementation is internal/counter.Store (Redis);
// anything with atomic increment-and-expire semantics can serve.
type CounterStore interface {
	// IncrBy atomically increments key by delta and refreshes its TTL,
	// returning the new value. The increment and the expiry must apply
	// together so a counter can never outlive its window.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the current value of key, or 0 when the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// DecrFloor atomically decrements key, flooring at zero. Decrementing an
	// absent or zero-valued key is a no-op returning 0.
	DecrFloor(ctx context.Context, key string) (int64, error)

	// SetValue stores an opaque string value with a TTL.
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error

	// GetDel atomically reads and deletes key. The second return is false
	// when the key was absent.
	GetDel(ctx context.Context, key string) (string, bool, error)
}
