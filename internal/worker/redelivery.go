package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
)

// Redelivery brings a recorded retry back to the queue once it is due.
type Redelivery interface {
	Redeliver(ctx context.Context, req *domain.CallbackRequest) error
}

// Enqueuer accepts requests for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *domain.CallbackRequest) error
}

// DurableRedelivery does nothing: the store keeps the scheduled retry and a
// retry.Poller surfaces it with DequeueDue.
type DurableRedelivery struct{}

func (DurableRedelivery) Redeliver(context.Context, *domain.CallbackRequest) error {
	return nil
}

// DelayedRequeue re-enqueues a retry in-process once NextAttemptAt passes.
// Pending timers are dropped on Stop; with a volatile store those retries
// are lost.
type DelayedRequeue struct {
	queue  Enqueuer
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDelayedRequeue(queue Enqueuer, clk clock.Clock, logger *slog.Logger) *DelayedRequeue {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DelayedRequeue{
		queue:  queue,
		clock:  clk,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *DelayedRequeue) Redeliver(_ context.Context, req *domain.CallbackRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return domain.ErrQueueClosed
	}

	delay := req.NextAttemptAt.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := d.clock.After(delay)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-d.ctx.Done():
			return
		case <-timer:
		}
		if err := d.queue.Enqueue(d.ctx, req); err != nil {
			d.logger.Warn("failed to requeue callback retry",
				"error", err,
				"request_id", req.ID,
			)
		}
	}()
	return nil
}

// Stop drops pending timers, abandons blocked enqueues and waits for the
// timer goroutines to exit.
func (d *DelayedRequeue) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
