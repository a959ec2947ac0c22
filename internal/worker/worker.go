// Package worker runs the callback delivery loops.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Worker 1  │     │   Worker 2  │     │   Worker N  │
//	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
//	       │                   │                   │
//	       └───────────────────┼───────────────────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │    Queue    │ ◄── dispatcher, kafka consumer,
//	                    └─────────────┘     retry poller, delayed requeue
//
// Every worker runs the same processing function for first attempts and
// retries:
//  1. Mark the request in flight
//  2. Send it (one HTTP attempt)
//  3. Record success, or ask the retry policy
//  4. Record the retry or the permanent failure
//  5. Hand a scheduled retry to the redelivery path
//
// A request is re-enqueued only after its retry has been recorded, so a
// retry never runs before NextAttemptAt and never races its own record.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/store"
)

// Queue is the source of requests to attempt.
type Queue interface {
	Dequeue(ctx context.Context) (*domain.CallbackRequest, error)
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, req *domain.CallbackRequest) domain.Result
}

// RetryPolicy decides what happens after a failed attempt.
type RetryPolicy interface {
	Evaluate(req *domain.CallbackRequest, res domain.Result) domain.RetryDecision
}

// Config defines worker pool parameters.
//
// Workers: Number of concurrent delivery goroutines.
// ThrottleDelay: How long a throttled request waits before its next try.
// It does not consume an attempt.
type Config struct {
	Workers       int
	ThrottleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       10,
		ThrottleDelay: time.Second,
	}
}

// Pool manages worker goroutines for callback delivery.
// Use NewPool to create, then call Start to begin processing.
// Call Stop for graceful shutdown.
type Pool struct {
	config     Config
	queue      Queue
	store      store.Store
	sender     Sender
	policy     RetryPolicy
	redelivery Redelivery
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewPool creates a worker pool. Retries are left to a durable poller unless
// WithRedelivery installs another path.
func NewPool(
	config Config,
	queue Queue,
	st store.Store,
	sender Sender,
	policy RetryPolicy,
	clk clock.Clock,
	logger *slog.Logger,
) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = time.Second
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Pool{
		config:     config,
		queue:      queue,
		store:      st,
		sender:     sender,
		policy:     policy,
		redelivery: DurableRedelivery{},
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

func (p *Pool) WithRedelivery(r Redelivery) *Pool {
	if r != nil {
		p.redelivery = r
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("worker pool started", "workers", p.config.Workers)
}

// Stop cancels in-flight attempts and waits for every worker to return.
// Interrupted attempts stay in flight in the store.
func (p *Pool) Stop() {
	p.stopping.Store(true)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		req, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrQueueClosed) {
				p.logger.Error("failed to dequeue callback", "error", err, "worker_id", id)
			}
			p.logger.Debug("worker shutting down", "worker_id", id)
			return
		}
		p.recordMetricQueueDepth()
		p.Process(ctx, req)
	}
}

// Process runs one attempt for req and records its outcome.
func (p *Pool) Process(ctx context.Context, req *domain.CallbackRequest) {
	logger := p.logger.With(observability.RequestAttrs(req)...)

	if err := p.store.MarkInFlight(ctx, req); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Debug("callback already handled, skipping", "error", err)
			return
		}
		logger.Error("failed to mark callback in flight", "error", err)
		return
	}

	res := p.sender.Send(ctx, req)
	p.recordMetricAttempt(res)

	if p.indeterminate(ctx, res) {
		logger.Info("attempt interrupted by shutdown, outcome unknown")
		return
	}

	// The attempt happened; its outcome is recorded even if shutdown
	// starts now.
	ctx = context.WithoutCancel(ctx)

	switch {
	case res.Success:
		p.succeed(ctx, logger, req, res)
	case res.ErrorType == domain.ErrorTypeThrottled:
		p.throttle(ctx, logger, req, res)
	default:
		p.fail(ctx, logger, req, res)
	}
}

func (p *Pool) indeterminate(ctx context.Context, res domain.Result) bool {
	if res.ErrorType == domain.ErrorTypeCanceled {
		return true
	}
	return !res.Success && (ctx.Err() != nil || p.stopping.Load())
}

func (p *Pool) succeed(ctx context.Context, logger *slog.Logger, req *domain.CallbackRequest, res domain.Result) {
	if err := p.store.MarkSucceeded(ctx, req, res); err != nil {
		logger.Error("failed to mark callback succeeded", "error", err)
		return
	}
	logger.Debug("callback delivered", "duration_ms", res.Duration.Milliseconds())
	p.recordMetricDelivered()
}

// throttle is internal backpressure, not a delivery failure: the request is
// moved back without consuming an attempt.
func (p *Pool) throttle(ctx context.Context, logger *slog.Logger, req *domain.CallbackRequest, res domain.Result) {
	req.Reschedule(p.clock.Now().Add(p.config.ThrottleDelay))
	if err := p.store.MarkRetryScheduled(ctx, req, res); err != nil {
		logger.Error("failed to reschedule throttled callback", "error", err)
		return
	}
	logger.Debug("callback throttled",
		"reason", res.ErrorMessage,
		"next_attempt_at", req.NextAttemptAt,
	)
	p.recordMetricThrottled()
	p.redeliver(ctx, logger, req)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, req *domain.CallbackRequest, res domain.Result) {
	decision := p.policy.Evaluate(req, res)

	if !decision.ShouldRetry() {
		if err := p.store.MarkFailedPermanent(ctx, req, res); err != nil {
			logger.Error("failed to mark callback failed", "error", err)
			return
		}
		logger.Warn("callback failed permanently",
			"reason", decision.Reason,
			"error_type", res.ErrorType,
			"error", res.ErrorMessage,
		)
		p.recordMetricFailed()
		return
	}

	req.ScheduleRetry(decision.NextAttemptAt)
	if err := p.store.MarkRetryScheduled(ctx, req, res); err != nil {
		logger.Error("failed to schedule callback retry", "error", err)
		return
	}
	logger.Info("scheduling retry",
		"attempt", req.Attempt,
		"reason", decision.Reason,
		"delay", decision.Delay,
		"next_attempt_at", req.NextAttemptAt,
	)
	p.recordMetricRetrying()
	p.redeliver(ctx, logger, req)
}

func (p *Pool) redeliver(ctx context.Context, logger *slog.Logger, req *domain.CallbackRequest) {
	if err := p.redelivery.Redeliver(ctx, req); err != nil {
		logger.Warn("redelivery failed, left for the retry poller", "error", err)
	}
}

// recordMetricQueueDepth samples the backlog when the queue can report it.
func (p *Pool) recordMetricQueueDepth() {
	if p.metrics == nil {
		return
	}
	if q, ok := p.queue.(interface{ Len() int }); ok {
		p.metrics.QueueDepth.Set(float64(q.Len()))
	}
}

func (p *Pool) recordMetricDelivered() {
	if p.metrics != nil {
		p.metrics.CallbacksDelivered.Inc()
	}
}

func (p *Pool) recordMetricFailed() {
	if p.metrics != nil {
		p.metrics.CallbacksFailed.Inc()
	}
}

func (p *Pool) recordMetricRetrying() {
	if p.metrics != nil {
		p.metrics.CallbacksRetrying.Inc()
	}
}

func (p *Pool) recordMetricThrottled() {
	if p.metrics != nil {
		p.metrics.CallbacksThrottled.Inc()
	}
}

func (p *Pool) recordMetricAttempt(res domain.Result) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorType)
	}
	p.metrics.DeliveryAttempts.WithLabelValues(outcome).Inc()
	if res.ErrorType != domain.ErrorTypeThrottled {
		p.metrics.DeliveryDuration.Observe(res.Duration.Seconds())
	}
}
