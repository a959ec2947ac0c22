package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
)

// DueSource surfaces stored requests whose next attempt is due. store.Store
// implementations satisfy it.
type DueSource interface {
	DequeueDue(ctx context.Context, max int) ([]*domain.CallbackRequest, error)
}

// Enqueuer hands requests to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *domain.CallbackRequest) error
}

// PollerConfig holds configuration for the retry poller.
type PollerConfig struct {
	// PollInterval is how often to check for due requests (default: 5s)
	PollInterval time.Duration
	// BatchSize is the maximum number of requests claimed per poll (default: 100)
	BatchSize int
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Poller is the durable redelivery path: it claims due retries (and stale
// pending or in-flight requests) from the store and feeds them to the same
// queue the workers read, so retries and first attempts share one
// processing function. Claims are exclusive, so several instances may poll
// one database.
type Poller struct {
	config  PollerConfig
	source  DueSource
	queue   Enqueuer
	logger  *slog.Logger
	metrics *observability.Metrics

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewPoller(source DueSource, queue Enqueuer, config PollerConfig, logger *slog.Logger) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config: config,
		source: source,
		queue:  queue,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *Poller) WithMetrics(m *observability.Metrics) *Poller {
	p.metrics = m
	return p
}

// Start polls until Stop is called or ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	p.started.Store(true)
	defer close(p.done)

	p.logger.Info("retry poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start, then on interval
	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Stop signals the poller and waits for Start to return.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	if !p.started.Load() {
		return
	}
	<-p.done
}

// Poll claims one batch and enqueues it. It returns how many requests were
// handed to the queue. A full batch is followed by another poll right away.
func (p *Poller) Poll(ctx context.Context) int {
	total := 0
	for {
		reqs, err := p.source.DequeueDue(ctx, p.config.BatchSize)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Error("failed to fetch due callbacks", "error", err)
			}
			return total
		}
		if len(reqs) == 0 {
			return total
		}

		for _, req := range reqs {
			if err := p.queue.Enqueue(ctx, req); err != nil {
				// The claim lapses after the lease and the request is
				// surfaced again.
				p.logger.Warn("failed to enqueue due callback",
					"error", err,
					"request_id", req.ID,
				)
				return total
			}
			total++
		}

		p.logger.Debug("enqueued due callbacks", "count", len(reqs))
		if p.metrics != nil {
			p.metrics.CallbacksEnqueued.Add(float64(len(reqs)))
		}

		if len(reqs) < p.config.BatchSize {
			return total
		}
	}
}
