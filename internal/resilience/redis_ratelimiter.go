package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRateLimit applies when Allow is called without a limit.
const DefaultRateLimit = 100

// RedisRateLimiter is a sliding-window limiter over a Redis sorted set: each
// admitted attempt is a member scored by its timestamp.
//
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add the attempt and allow
//  4. Otherwise, reject
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *InMemoryRateLimiter
	logger   *slog.Logger
	seq      atomic.Uint64
}

type RedisRateLimiterConfig struct {
	Window time.Duration // sliding window size (default: 1 second)
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window: time.Second,
	}
}

// NewRedisRateLimiter falls back to in-memory limiting when Redis fails.
func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client:   client,
		window:   config.Window,
		fallback: NewInMemoryRateLimiter(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

func rateLimitKey(destination string) string {
	return fmt.Sprintf("callbacks:ratelimit:%s", destination)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, destination string, limit int) (bool, error) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	now := time.Now()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), r.seq.Add(1))

	result, err := rateLimitScript.Run(ctx, r.client,
		[]string{rateLimitKey(destination)},
		now.UnixMilli(), r.window.Milliseconds(), limit, member,
	).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"destination", destination,
		)
		return r.fallback.Allow(ctx, destination, limit)
	}

	return result == 1, nil
}
