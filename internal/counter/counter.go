// Package counter provides the Redis-backed atomic counter store used for
// distributed admission control. This package is internal and should not be
// imported by external projects.
package counter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// decrFloor decrements a counter without ever driving it negative.
// Decrementing an absent key is a no-op.
var decrFloor = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Config holds Redis connection settings for the counter store.
type Config struct {
	// Redis address
	Addr string `yaml:"addr" json:"addr"`

	// Password
	Password string `yaml:"password" json:"password"`

	// Database number
	DB int `yaml:"db" json:"db"`

	// Maximum retries per command
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Connection pool size
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// Minimum idle connections
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// Health check interval (0 disables the background check)
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig returns the default counter store configuration.
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Store is a Redis-backed atomic counter store.
type Store struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewStore connects to Redis and returns a counter store.
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &Store{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "counter")),
	}

	if config.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}

	s.logger.Info("counter store initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return s, nil
}

// IncrBy atomically increments key by delta and refreshes its TTL, returning
// the new value. Increment and expiry run in a single transaction.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("counter store is closed")
	}

	pipe := s.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("counter increment failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("counter increment failed: %w", err)
	}

	return incr.Val(), nil
}

// Get returns the current value of key, or 0 when it does not exist.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("counter store is closed")
	}

	v, err := s.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get failed: %w", err)
	}

	return v, nil
}

// DecrFloor atomically decrements key, flooring at zero.
func (s *Store) DecrFloor(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("counter store is closed")
	}

	v, err := decrFloor.Run(ctx, s.redis, []string{key}).Int64()
	if err != nil {
		s.logger.Error("counter decrement failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("counter decrement failed: %w", err)
	}

	return v, nil
}

// SetValue stores an opaque string value with a TTL.
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("counter store is closed")
	}

	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Error("counter set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("counter set failed: %w", err)
	}

	return nil
}

// GetDel atomically reads and deletes key. Returns false when the key was
// absent.
func (s *Store) GetDel(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, fmt.Errorf("counter store is closed")
	}

	v, err := s.redis.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("counter getdel failed: %w", err)
	}

	return v, true, nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("counter store is closed")
	}

	return s.redis.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.logger.Info("closing counter store")

	return s.redis.Close()
}

func (s *Store) healthCheckLoop() {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return
		}
		s.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil {
			s.logger.Error("counter store health check failed", zap.Error(err))
		}
		cancel()
	}
}
