package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSemaphore is a distributed counting semaphore: a counter with a TTL
// per destination, so a crashed worker's slots expire on their own.
type RedisSemaphore struct {
	client   *redis.Client
	limit    int
	ttl      time.Duration
	fallback *LocalSemaphoreManager
	logger   *slog.Logger
}

type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent attempts per destination (default: 100).
	Limit int
	// TTL bounds how long a slot is held without release (default: 30s).
	TTL time.Duration
}

func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{
		Limit: 100,
		TTL:   30 * time.Second,
	}
}

func NewRedisSemaphore(client *redis.Client, config RedisSemaphoreConfig, logger *slog.Logger) *RedisSemaphore {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisSemaphore{
		client:   client,
		limit:    config.Limit,
		ttl:      config.TTL,
		fallback: NewLocalSemaphoreManager(config.Limit),
		logger:   logger,
	}
}

// acquireScript returns 1 if a slot was taken, 0 if the limit is reached.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
    redis.call('INCR', key)
    redis.call('PEXPIRE', key, ttl_ms)
    return 1
end
return 0
`)

// releaseScript decrements without going below zero.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current > 0 then
    redis.call('DECR', key)
end
return 1
`)

func semaphoreKey(destination string) string {
	return fmt.Sprintf("callbacks:sem:%s", destination)
}

func (s *RedisSemaphore) Acquire(ctx context.Context, destination string) (bool, error) {
	result, err := acquireScript.Run(ctx, s.client,
		[]string{semaphoreKey(destination)}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using fallback",
			"error", err,
			"destination", destination,
		)
		return s.fallback.Acquire(destination), nil
	}
	return result == 1, nil
}

func (s *RedisSemaphore) Release(ctx context.Context, destination string) error {
	if err := releaseScript.Run(ctx, s.client, []string{semaphoreKey(destination)}).Err(); err != nil {
		s.logger.Warn("redis semaphore release failed",
			"error", err,
			"destination", destination,
		)
		s.fallback.Release(destination)
	}
	return nil
}

// LocalSemaphoreManager is a set of non-blocking in-process semaphores.
type LocalSemaphoreManager struct {
	mu         sync.Mutex
	limit      int
	semaphores map[string]chan struct{}
}

func NewLocalSemaphoreManager(limit int) *LocalSemaphoreManager {
	if limit <= 0 {
		limit = 1
	}
	return &LocalSemaphoreManager{
		limit:      limit,
		semaphores: make(map[string]chan struct{}),
	}
}

func (m *LocalSemaphoreManager) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, exists := m.semaphores[key]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[key] = sem
	}
	return sem
}

// Acquire takes a slot without blocking.
func (m *LocalSemaphoreManager) Acquire(key string) bool {
	select {
	case m.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *LocalSemaphoreManager) Release(key string) {
	select {
	case <-m.slot(key):
	default:
	}
}
