package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCircuitBreaker is a circuit breaker whose state lives in Redis, so
// every instance sees a destination trip at the same time. Transitions are
// atomic Lua scripts.
type RedisCircuitBreaker struct {
	client   *redis.Client
	config   RedisCircuitBreakerConfig
	fallback *InMemoryCircuitBreaker
	logger   *slog.Logger
}

// RedisCircuitBreakerConfig holds configuration for the Redis circuit breaker.
type RedisCircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before half-open.
	Timeout time.Duration
	// Window bounds how long failures are counted.
	Window time.Duration
}

func DefaultRedisCircuitBreakerConfig() RedisCircuitBreakerConfig {
	return RedisCircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

func NewRedisCircuitBreaker(client *redis.Client, config RedisCircuitBreakerConfig, logger *slog.Logger) *RedisCircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisCircuitBreaker{
		client:   client,
		config:   config,
		fallback: NewInMemoryCircuitBreaker(DefaultCircuitBreakerConfig()),
		logger:   logger,
	}
}

func circuitKeys(destination string) (state, failures, successes, openedAt string) {
	prefix := fmt.Sprintf("callbacks:cb:%s", destination)
	return prefix + ":state", prefix + ":failures", prefix + ":successes", prefix + ":opened_at"
}

// allowScript returns 1 when allowed and 0 while open. An open circuit whose
// timeout elapsed moves to half-open.
var allowScript = redis.NewScript(`
local state_key = KEYS[1]
local opened_at_key = KEYS[2]
local now = tonumber(ARGV[1])
local timeout_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'open' then
    local opened_at = redis.call('GET', opened_at_key)
    if opened_at and (now - tonumber(opened_at)) >= timeout_ms then
        redis.call('SET', state_key, 'half-open')
        return 1
    end
    return 0
end

return 1
`)

func (r *RedisCircuitBreaker) Allow(ctx context.Context, destination string) (bool, error) {
	stateKey, _, _, openedAtKey := circuitKeys(destination)

	result, err := allowScript.Run(ctx, r.client,
		[]string{stateKey, openedAtKey},
		time.Now().UnixMilli(), r.config.Timeout.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("redis circuit breaker failed, using fallback",
			"error", err,
			"destination", destination,
		)
		return r.fallback.Allow(ctx, destination)
	}

	return result == 1, nil
}

var recordSuccessScript = redis.NewScript(`
local state_key = KEYS[1]
local successes_key = KEYS[2]
local failures_key = KEYS[3]
local success_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', successes_key)
    redis.call('PEXPIRE', successes_key, window_ms)
    if successes >= success_threshold then
        redis.call('SET', state_key, 'closed')
        redis.call('DEL', failures_key)
        redis.call('DEL', successes_key)
    end
elseif state == 'closed' then
    redis.call('DEL', failures_key)
end

return 1
`)

func (r *RedisCircuitBreaker) RecordSuccess(ctx context.Context, destination string) error {
	stateKey, failuresKey, successesKey, _ := circuitKeys(destination)

	err := recordSuccessScript.Run(ctx, r.client,
		[]string{stateKey, successesKey, failuresKey},
		r.config.SuccessThreshold, r.config.Window.Milliseconds(),
	).Err()
	if err != nil {
		r.logger.Warn("redis circuit breaker record success failed",
			"error", err,
			"destination", destination,
		)
		return r.fallback.RecordSuccess(ctx, destination)
	}
	return nil
}

var recordFailureScript = redis.NewScript(`
local state_key = KEYS[1]
local failures_key = KEYS[2]
local opened_at_key = KEYS[3]
local successes_key = KEYS[4]
local failure_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'closed' then
    local failures = redis.call('INCR', failures_key)
    redis.call('PEXPIRE', failures_key, window_ms)
    if failures >= failure_threshold then
        redis.call('SET', state_key, 'open')
        redis.call('SET', opened_at_key, now)
        redis.call('PEXPIRE', opened_at_key, window_ms * 2)
    end
elseif state == 'half-open' then
    redis.call('SET', state_key, 'open')
    redis.call('SET', opened_at_key, now)
    redis.call('PEXPIRE', opened_at_key, window_ms * 2)
    redis.call('DEL', successes_key)
end

return 1
`)

func (r *RedisCircuitBreaker) RecordFailure(ctx context.Context, destination string) error {
	stateKey, failuresKey, successesKey, openedAtKey := circuitKeys(destination)

	err := recordFailureScript.Run(ctx, r.client,
		[]string{stateKey, failuresKey, openedAtKey, successesKey},
		r.config.FailureThreshold, r.config.Window.Milliseconds(), time.Now().UnixMilli(),
	).Err()
	if err != nil {
		r.logger.Warn("redis circuit breaker record failure failed",
			"error", err,
			"destination", destination,
		)
		return r.fallback.RecordFailure(ctx, destination)
	}
	return nil
}

func (r *RedisCircuitBreaker) State(ctx context.Context, destination string) (CircuitState, error) {
	stateKey, _, _, _ := circuitKeys(destination)

	state, err := r.client.Get(ctx, stateKey).Result()
	if errors.Is(err, redis.Nil) {
		return CircuitStateClosed, nil
	}
	if err != nil {
		r.logger.Warn("redis circuit breaker state failed, using fallback",
			"error", err,
			"destination", destination,
		)
		return r.fallback.State(ctx, destination)
	}
	return CircuitState(state), nil
}

// FailureCount returns the failures counted in the current window.
func (r *RedisCircuitBreaker) FailureCount(ctx context.Context, destination string) (int, error) {
	_, failuresKey, _, _ := circuitKeys(destination)

	count, err := r.client.Get(ctx, failuresKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(count)
	return n, nil
}
