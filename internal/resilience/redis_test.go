package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	client, err := NewRedisClient(RedisConfig{URL: connStr})
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// unreachableClient points at a port with nothing listening, so every call
// exercises the in-memory fallback.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCircuitBreaker(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	cb := NewRedisCircuitBreaker(client, RedisCircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		Window:           time.Minute,
	}, nil)

	t.Run("closed by default", func(t *testing.T) {
		allowed, err := cb.Allow(ctx, "fresh.example")
		if err != nil || !allowed {
			t.Fatalf("Allow() = %v, %v", allowed, err)
		}
		state, _ := cb.State(ctx, "fresh.example")
		if state != CircuitStateClosed {
			t.Errorf("expected closed, got %s", state)
		}
	})

	t.Run("opens after threshold and recovers", func(t *testing.T) {
		dest := "down.example"
		for i := 0; i < 3; i++ {
			if err := cb.RecordFailure(ctx, dest); err != nil {
				t.Fatalf("RecordFailure() error = %v", err)
			}
		}

		state, _ := cb.State(ctx, dest)
		if state != CircuitStateOpen {
			t.Fatalf("expected open, got %s", state)
		}
		if allowed, _ := cb.Allow(ctx, dest); allowed {
			t.Fatal("open circuit should reject")
		}

		time.Sleep(150 * time.Millisecond)

		if allowed, _ := cb.Allow(ctx, dest); !allowed {
			t.Fatal("expected half-open after timeout")
		}
		state, _ = cb.State(ctx, dest)
		if state != CircuitStateHalfOpen {
			t.Fatalf("expected half-open, got %s", state)
		}

		_ = cb.RecordSuccess(ctx, dest)
		_ = cb.RecordSuccess(ctx, dest)

		state, _ = cb.State(ctx, dest)
		if state != CircuitStateClosed {
			t.Errorf("expected closed after successes, got %s", state)
		}
	})

	t.Run("success resets failures while closed", func(t *testing.T) {
		dest := "flaky.example"
		_ = cb.RecordFailure(ctx, dest)
		_ = cb.RecordFailure(ctx, dest)
		_ = cb.RecordSuccess(ctx, dest)

		n, err := cb.FailureCount(ctx, dest)
		if err != nil {
			t.Fatalf("FailureCount() error = %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 failures, got %d", n)
		}
	})
}

func TestRedisRateLimiter(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := NewRedisRateLimiter(client, RedisRateLimiterConfig{Window: time.Second}, nil)

	allowed := 0
	for i := 0; i < 10; i++ {
		ok, err := limiter.Allow(ctx, "receiver.example", 5)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected 5 allowed, got %d", allowed)
	}

	ok, _ := limiter.Allow(ctx, "other.example", 5)
	if !ok {
		t.Error("other destination has its own window")
	}
}

func TestRedisSemaphore(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	sem := NewRedisSemaphore(client, RedisSemaphoreConfig{Limit: 2, TTL: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		ok, err := sem.Acquire(ctx, "dest")
		if err != nil || !ok {
			t.Fatalf("Acquire() = %v, %v", ok, err)
		}
	}
	if ok, _ := sem.Acquire(ctx, "dest"); ok {
		t.Fatal("third acquire should fail")
	}

	_ = sem.Release(ctx, "dest")
	if ok, _ := sem.Acquire(ctx, "dest"); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestRedisCircuitBreaker_FallbackWhenRedisDown(t *testing.T) {
	cb := NewRedisCircuitBreaker(unreachableClient(t), DefaultRedisCircuitBreakerConfig(), nil)
	ctx := context.Background()

	allowed, err := cb.Allow(ctx, "fallback.example")
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if !allowed {
		t.Error("fallback breaker starts closed")
	}
	if err := cb.RecordFailure(ctx, "fallback.example"); err != nil {
		t.Errorf("RecordFailure() error = %v", err)
	}
	state, err := cb.State(ctx, "fallback.example")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != CircuitStateClosed {
		t.Errorf("one failure should not trip the fallback, got %s", state)
	}
}

func TestRedisRateLimiter_FallbackWhenRedisDown(t *testing.T) {
	limiter := NewRedisRateLimiter(unreachableClient(t), DefaultRedisRateLimiterConfig(), nil)

	ok, err := limiter.Allow(context.Background(), "fallback.example", 0)
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if !ok {
		t.Error("first call through the fallback should pass")
	}
}

func TestRedisSemaphore_FallbackWhenRedisDown(t *testing.T) {
	sem := NewRedisSemaphore(unreachableClient(t), RedisSemaphoreConfig{Limit: 1}, nil)
	ctx := context.Background()

	ok, err := sem.Acquire(ctx, "dest")
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if ok, _ := sem.Acquire(ctx, "dest"); ok {
		t.Error("fallback enforces the limit")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{URL: "not-a-url"}); err == nil {
		t.Error("expected parse error")
	}
}
