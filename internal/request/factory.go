// Package request turns an execution plan and a runtime context into a
// deliverable callback request.
package request

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
)

// HeaderCallbackID carries the callback id on every delivery.
const HeaderCallbackID = "X-Kestrun-CallbackId"

// URLResolver resolves a URL template against a runtime context.
type URLResolver interface {
	Resolve(template string, rc domain.RuntimeContext) (*url.URL, error)
}

// BodySerializer renders the request body and its content type.
type BodySerializer interface {
	Serialize(ep domain.ExecutionPlan, rc domain.RuntimeContext) (contentType string, body []byte, err error)
}

// Options control request construction.
//
// DefaultTimeout applies to every callback without an entry in Timeouts.
// Timeouts overrides the timeout per callback id. Headers are added to
// every request.
type Options struct {
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	Headers        map[string]string
}

func DefaultOptions() Options {
	return Options{DefaultTimeout: 30 * time.Second}
}

// Factory builds callback requests. It performs no I/O.
type Factory struct {
	resolver   URLResolver
	serializer BodySerializer
	options    Options
	clock      clock.Clock
	newID      func() string
}

func NewFactory(resolver URLResolver, serializer BodySerializer, options Options, clk clock.Clock) *Factory {
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Factory{
		resolver:   resolver,
		serializer: serializer,
		options:    options,
		clock:      clk,
		newID:      uuid.NewString,
	}
}

// Build resolves ep against rc. Resolver and serializer errors are returned
// unchanged.
func (f *Factory) Build(ep domain.ExecutionPlan, rc domain.RuntimeContext) (*domain.CallbackRequest, error) {
	merged := rc.WithVars(rc.Vars().Merge(ep.Parameters))
	plan := ep.Plan

	target, err := f.resolver.Resolve(plan.URLTemplate(), merged)
	if err != nil {
		return nil, err
	}

	var (
		contentType string
		body        []byte
	)
	if ep.HasBody() {
		contentType, body, err = f.serializer.Serialize(ep, merged)
		if err != nil {
			return nil, err
		}
	}

	headers := make(map[string]string, len(f.options.Headers)+1)
	for k, v := range f.options.Headers {
		headers[k] = v
	}
	headers[HeaderCallbackID] = plan.CallbackID()

	now := f.clock.Now()
	return &domain.CallbackRequest{
		ID:             f.newID(),
		CallbackID:     plan.CallbackID(),
		OperationID:    plan.OperationID(),
		TargetURL:      target.String(),
		HTTPMethod:     strings.ToUpper(plan.Method()),
		Headers:        headers,
		ContentType:    contentType,
		Body:           body,
		CorrelationID:  merged.CorrelationID(),
		IdempotencyKey: IdempotencyKey(merged.IdempotencySeed(), plan),
		Timeout:        f.timeout(plan.CallbackID()),
		Attempt:        0,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}, nil
}

func (f *Factory) timeout(callbackID string) time.Duration {
	if d, ok := f.options.Timeouts[callbackID]; ok && d > 0 {
		return d
	}
	return f.options.DefaultTimeout
}

// IdempotencyKey is seed:callbackID:operationID.
func IdempotencyKey(seed string, plan domain.Plan) string {
	return seed + ":" + plan.CallbackID() + ":" + plan.OperationID()
}
