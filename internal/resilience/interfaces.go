// Package resilience protects callback destinations from overload: rate
// limiting, circuit breaking and concurrency limits, keyed by destination
// host. Each concern has an in-memory and a Redis-backed implementation; the
// Redis ones share state across instances and fall back to memory when Redis
// is unreachable.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether one more attempt may go to destination.
// limit is attempts per window; zero or less uses the implementation default.
type RateLimiter interface {
	Allow(ctx context.Context, destination string, limit int) (bool, error)
}

// CircuitBreaker tracks destination health from recorded outcomes.
type CircuitBreaker interface {
	Allow(ctx context.Context, destination string) (bool, error)
	RecordSuccess(ctx context.Context, destination string) error
	RecordFailure(ctx context.Context, destination string) error
	State(ctx context.Context, destination string) (CircuitState, error)
}

// Semaphore bounds concurrent attempts per destination.
type Semaphore interface {
	// Acquire takes a slot without blocking. The caller must Release it
	// when Acquire returns true.
	Acquire(ctx context.Context, destination string) (bool, error)
	Release(ctx context.Context, destination string) error
}

// CircuitState is the state of one destination's breaker.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// Float maps the state to the circuit_breaker_state gauge value.
func (s CircuitState) Float() float64 {
	switch s {
	case CircuitStateHalfOpen:
		return 1
	case CircuitStateOpen:
		return 2
	default:
		return 0
	}
}

// InMemoryCircuitBreaker adapts CircuitBreakerManager to CircuitBreaker.
// Recorded outcomes run through the underlying gobreaker so its counters
// and state machine see them.
type InMemoryCircuitBreaker struct {
	manager *CircuitBreakerManager
}

func NewInMemoryCircuitBreaker(config CircuitBreakerConfig) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{manager: NewCircuitBreakerManager(config)}
}

func (a *InMemoryCircuitBreaker) Allow(ctx context.Context, destination string) (bool, error) {
	return a.manager.State(destination) != CircuitStateOpen, nil
}

func (a *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context, destination string) error {
	_, _ = a.manager.Execute(destination, func() (interface{}, error) {
		return nil, nil
	})
	return nil
}

func (a *InMemoryCircuitBreaker) RecordFailure(ctx context.Context, destination string) error {
	_, _ = a.manager.Execute(destination, func() (interface{}, error) {
		return nil, errRecordedFailure
	})
	return nil
}

func (a *InMemoryCircuitBreaker) State(ctx context.Context, destination string) (CircuitState, error) {
	return a.manager.State(destination), nil
}

// OnStateChange sets a callback for breaker transitions.
func (a *InMemoryCircuitBreaker) OnStateChange(fn func(destination string, from, to CircuitState)) {
	a.manager.OnStateChange(fn)
}

// InMemorySemaphore adapts LocalSemaphoreManager to Semaphore.
type InMemorySemaphore struct {
	manager *LocalSemaphoreManager
}

func NewInMemorySemaphore(limit int) *InMemorySemaphore {
	return &InMemorySemaphore{manager: NewLocalSemaphoreManager(limit)}
}

func (a *InMemorySemaphore) Acquire(ctx context.Context, destination string) (bool, error) {
	return a.manager.Acquire(destination), nil
}

func (a *InMemorySemaphore) Release(ctx context.Context, destination string) error {
	a.manager.Release(destination)
	return nil
}

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient parses cfg.URL and applies the pool settings.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return redis.NewClient(opts), nil
}
