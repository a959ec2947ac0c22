// Package dispatch resolves execution plans into callback requests, records
// them and hands them to the delivery pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/store"
)

// Builder turns an execution plan into a request. request.Factory
// implements it.
type Builder interface {
	Build(ep domain.ExecutionPlan, rc domain.RuntimeContext) (*domain.CallbackRequest, error)
}

// Sink receives requests ready for delivery: the local queue, or the Kafka
// relay in multi-process deployments.
type Sink interface {
	Enqueue(ctx context.Context, req *domain.CallbackRequest) error
}

// Dispatcher is safe for concurrent use when its collaborators are.
type Dispatcher struct {
	builder Builder
	store   store.Store
	sink    Sink
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(builder Builder, st store.Store, sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Dispatcher{
		builder: builder,
		store:   st,
		sink:    sink,
		logger:  logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch builds one request and enqueues it. Resolution errors are
// returned before anything is stored or enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, ep domain.ExecutionPlan, rc domain.RuntimeContext) (*domain.CallbackRequest, error) {
	reqs, err := d.DispatchAll(ctx, []domain.ExecutionPlan{ep}, rc)
	if err != nil {
		return nil, err
	}
	return reqs[0], nil
}

// DispatchAll resolves every plan first, so a single resolution failure
// leaves nothing enqueued. Store or sink failures stop at the failing
// request and return the ones already handed off.
func (d *Dispatcher) DispatchAll(ctx context.Context, eps []domain.ExecutionPlan, rc domain.RuntimeContext) ([]*domain.CallbackRequest, error) {
	reqs := make([]*domain.CallbackRequest, 0, len(eps))
	for _, ep := range eps {
		req, err := d.builder.Build(ep, rc)
		if err != nil {
			if d.metrics != nil {
				d.metrics.ResolutionErrors.Inc()
			}
			d.logger.Warn("callback resolution failed",
				"callback_id", ep.Plan.CallbackID(),
				"operation_id", ep.Plan.OperationID(),
				"correlation_id", rc.CorrelationID(),
				"error", err,
			)
			return nil, err
		}
		reqs = append(reqs, req)
	}

	for i, req := range reqs {
		if err := d.store.SaveNew(ctx, req); err != nil {
			return reqs[:i], fmt.Errorf("save callback request %s: %w", req.ID, err)
		}
		if err := d.sink.Enqueue(ctx, req); err != nil {
			// The stored request stays pending; a durable store surfaces it
			// again once its lease expires.
			return reqs[:i], fmt.Errorf("enqueue callback request %s: %w", req.ID, err)
		}
		if d.metrics != nil {
			d.metrics.CallbacksEnqueued.Inc()
		}
		d.logger.Debug("callback enqueued", observability.RequestAttrs(req)...)
	}
	return reqs, nil
}

// IsResolutionError reports whether err is an authoring defect rather than
// an infrastructure failure.
func IsResolutionError(err error) bool {
	return errors.Is(err, domain.ErrResolution) || errors.Is(err, domain.ErrInvalidDescription)
}
