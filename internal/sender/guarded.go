package sender

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/resilience"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrConcurrency = errors.New("destination concurrency limit reached")
)

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, req *domain.CallbackRequest) domain.Result
}

// Guarded protects destinations before delegating to another Sender. Per
// destination host it consults a rate limiter, a circuit breaker and a
// concurrency semaphore, each optional. A rejected attempt never reaches the
// network and comes back as a Throttled result.
type Guarded struct {
	next      Sender
	clock     clock.Clock
	limiter   resilience.RateLimiter
	limit     int
	breaker   resilience.CircuitBreaker
	semaphore resilience.Semaphore
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewGuarded(next Sender, clk clock.Clock) *Guarded {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Guarded{
		next:   next,
		clock:  clk,
		logger: observability.DiscardLogger(),
	}
}

// WithRateLimiter limits attempts per destination; limit <= 0 uses the
// limiter's default.
func (g *Guarded) WithRateLimiter(rl resilience.RateLimiter, limit int) *Guarded {
	g.limiter = rl
	g.limit = limit
	return g
}

func (g *Guarded) WithCircuitBreaker(cb resilience.CircuitBreaker) *Guarded {
	g.breaker = cb
	return g
}

func (g *Guarded) WithSemaphore(s resilience.Semaphore) *Guarded {
	g.semaphore = s
	return g
}

func (g *Guarded) WithMetrics(m *observability.Metrics) *Guarded {
	g.metrics = m
	return g
}

func (g *Guarded) WithLogger(logger *slog.Logger) *Guarded {
	if logger != nil {
		g.logger = logger
	}
	return g
}

func (g *Guarded) Send(ctx context.Context, req *domain.CallbackRequest) domain.Result {
	dest := Destination(req.TargetURL)

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, dest, g.limit)
		if err != nil {
			g.logger.Warn("rate limiter error", "error", err, "destination", dest)
		}
		if !allowed {
			g.logger.Debug("rate limited", "destination", dest, "request_id", req.ID)
			if g.metrics != nil {
				g.metrics.RateLimiterRejections.WithLabelValues(dest).Inc()
			}
			return g.throttled(ErrRateLimited)
		}
	}

	var before resilience.CircuitState
	if g.breaker != nil {
		allowed, err := g.breaker.Allow(ctx, dest)
		if err != nil {
			g.logger.Warn("circuit breaker error", "error", err, "destination", dest)
		}
		if !allowed {
			g.logger.Debug("circuit breaker open", "destination", dest, "request_id", req.ID)
			return g.throttled(ErrCircuitOpen)
		}
		before, _ = g.breaker.State(ctx, dest)
	}

	if g.semaphore != nil {
		acquired, err := g.semaphore.Acquire(ctx, dest)
		if err != nil {
			g.logger.Warn("semaphore error", "error", err, "destination", dest)
		}
		if !acquired {
			return g.throttled(ErrConcurrency)
		}
		defer func() {
			if err := g.semaphore.Release(context.WithoutCancel(ctx), dest); err != nil {
				g.logger.Warn("semaphore release failed", "error", err, "destination", dest)
			}
		}()
	}

	res := g.next.Send(ctx, req)

	if g.breaker != nil && res.ErrorType != domain.ErrorTypeCanceled {
		g.record(context.WithoutCancel(ctx), dest, res, before)
	}
	return res
}

// record feeds the outcome to the breaker. Transport failures and 5xx count
// against the destination; any other response proves it is up.
func (g *Guarded) record(ctx context.Context, dest string, res domain.Result, before resilience.CircuitState) {
	var err error
	if !res.HasStatus() || *res.StatusCode >= 500 {
		err = g.breaker.RecordFailure(ctx, dest)
	} else {
		err = g.breaker.RecordSuccess(ctx, dest)
	}
	if err != nil {
		g.logger.Warn("circuit breaker record failed", "error", err, "destination", dest)
	}

	if g.metrics == nil {
		return
	}
	after, err := g.breaker.State(ctx, dest)
	if err != nil {
		return
	}
	g.metrics.CircuitBreakerState.WithLabelValues(dest).Set(after.Float())
	if after == resilience.CircuitStateOpen && before != resilience.CircuitStateOpen {
		g.metrics.CircuitBreakerTrips.WithLabelValues(dest).Inc()
	}
}

func (g *Guarded) throttled(err error) domain.Result {
	return domain.FailureResult(domain.ErrorTypeThrottled, err, g.clock.Now())
}

// Destination is the key resilience state is tracked under: the lower-cased
// host of the target URL, port included.
func Destination(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return strings.ToLower(target)
	}
	return strings.ToLower(u.Host)
}
