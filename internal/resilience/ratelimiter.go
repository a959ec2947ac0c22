package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig is the token bucket applied to destinations without an
// explicit rate.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// InMemoryRateLimiter keeps one token bucket per destination host. The
// rate of a bucket is fixed by the first Allow that sees the destination.
type InMemoryRateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewInMemoryRateLimiter(config RateLimiterConfig) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes a token for destination. A positive limit sizes a new bucket
// at limit per second with a burst of limit/10+1.
func (l *InMemoryRateLimiter) Allow(ctx context.Context, destination string, limit int) (bool, error) {
	return l.limiterFor(destination, limit).Allow(), nil
}

func (l *InMemoryRateLimiter) limiterFor(destination string, limit int) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[destination]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[destination]; ok {
		return limiter
	}

	rps, burst := l.config.RequestsPerSecond, l.config.BurstSize
	if limit > 0 {
		rps, burst = float64(limit), limit/10+1
	}
	limiter = rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[destination] = limiter
	return limiter
}
