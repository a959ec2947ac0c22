// Package sender performs one HTTP attempt for a callback request and maps
// the outcome to a domain.Result. It never decides about retries.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	// maxDrain bounds how much of a response body is read before closing,
	// so keep-alive connections can be reused.
	maxDrain = 64 << 10
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Signer adds authentication to an outgoing request right before it is sent.
type Signer interface {
	Sign(httpReq *http.Request, req *domain.CallbackRequest) error
}

// HTTPSender sends callback requests over HTTP.
type HTTPSender struct {
	client HTTPClient
	clock  clock.Clock
	signer Signer
	logger *slog.Logger
}

func NewHTTPSender(client HTTPClient, clk clock.Clock) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HTTPSender{
		client: client,
		clock:  clk,
		logger: observability.DiscardLogger(),
	}
}

// WithSigner signs every request before transmission.
func (s *HTTPSender) WithSigner(signer Signer) *HTTPSender {
	s.signer = signer
	return s
}

func (s *HTTPSender) WithLogger(logger *slog.Logger) *HTTPSender {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Send performs exactly one attempt. The attempt is bounded by req.Timeout
// composed with ctx. A ctx cancelled by the caller yields a Canceled result,
// which callers treat as indeterminate.
func (s *HTTPSender) Send(ctx context.Context, req *domain.CallbackRequest) domain.Result {
	start := s.clock.Now()

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := newHTTPRequest(attemptCtx, req)
	if err != nil {
		return s.finish(domain.FailureResult(domain.ErrorTypeTransport, err, s.clock.Now()), start)
	}

	if s.signer != nil {
		if err := s.signer.Sign(httpReq, req); err != nil {
			return s.finish(domain.FailureResult(domain.ErrorTypeTransport, fmt.Errorf("sign request: %w", err), s.clock.Now()), start)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		kind := classify(ctx, attemptCtx, err)
		s.logger.Debug("callback attempt failed",
			"request_id", req.ID,
			"callback_id", req.CallbackID,
			"error_type", kind,
			"error", err,
		)
		return s.finish(domain.FailureResult(kind, err, s.clock.Now()), start)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	return s.finish(domain.StatusResult(resp.StatusCode, s.clock.Now()), start)
}

func (s *HTTPSender) finish(res domain.Result, start time.Time) domain.Result {
	res.Duration = res.CompletedAt.Sub(start)
	return res
}

func newHTTPRequest(ctx context.Context, req *domain.CallbackRequest) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, req.TargetURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set(observability.HeaderCorrelationID, req.CorrelationID)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	if body != nil && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	return httpReq, nil
}

// classify separates caller cancellation from the per-attempt timeout and
// from plain transport failures.
func classify(parent, attempt context.Context, err error) domain.ErrorType {
	if parent.Err() != nil {
		return domain.ErrorTypeCanceled
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorTypeTimeout
	}
	return domain.ErrorTypeTransport
}
