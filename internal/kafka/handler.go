package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
)

// Enqueuer accepts requests for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *domain.CallbackRequest) error
}

// Saver persists new requests.
type Saver interface {
	SaveNew(ctx context.Context, req *domain.CallbackRequest) error
}

// QueueHandler hands consumed requests to the local worker queue. With a
// Saver it first records requests the producer did not persist; records that
// already exist are left alone.
type QueueHandler struct {
	queue   Enqueuer
	saver   Saver
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewQueueHandler(queue Enqueuer, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &QueueHandler{queue: queue, logger: logger}
}

func (h *QueueHandler) WithSaver(s Saver) *QueueHandler {
	h.saver = s
	return h
}

func (h *QueueHandler) WithMetrics(m *observability.Metrics) *QueueHandler {
	h.metrics = m
	return h
}

func (h *QueueHandler) HandleBatch(ctx context.Context, reqs []*domain.CallbackRequest) error {
	for _, req := range reqs {
		if h.saver != nil {
			if err := h.saver.SaveNew(ctx, req); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("save callback request %s: %w", req.ID, err)
			}
		}
		if err := h.queue.Enqueue(ctx, req); err != nil {
			return fmt.Errorf("enqueue callback request %s: %w", req.ID, err)
		}
		if h.metrics != nil {
			h.metrics.CallbacksEnqueued.Inc()
		}
	}
	h.logger.Debug("callback batch enqueued", "count", len(reqs))
	return nil
}
