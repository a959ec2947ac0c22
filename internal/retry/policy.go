// Package retry classifies delivery outcomes and schedules redelivery.
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/felipemaragno/callbacks/internal/domain"
)

// Policy is exponential backoff with bounded, additive jitter.
//
// InitialInterval: delay before the second attempt.
// MaxInterval: cap applied before jitter.
// Multiplier: growth factor per attempt.
// Jitter: upper bound of the random addition, as a fraction of the delay.
// MaxAttempts: total attempts including the first.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int

	random func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.125,
		MaxAttempts:     5,
	}
}

// permanentStatus lists receiver answers that retrying cannot fix.
var permanentStatus = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusConflict:            true,
	http.StatusUnprocessableEntity: true,
}

func isPermanentFailure(statusCode int) bool {
	return permanentStatus[statusCode]
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

func isTransportFailure(t domain.ErrorType) bool {
	switch t {
	case domain.ErrorTypeTransport, domain.ErrorTypeTimeout, domain.ErrorTypeThrottled:
		return true
	}
	return false
}

// Evaluate decides whether req should be attempted again after res. It reads
// the current time from res.CompletedAt and is otherwise pure.
func (p Policy) Evaluate(req *domain.CallbackRequest, res domain.Result) domain.RetryDecision {
	if req.Attempt+1 >= p.MaxAttempts {
		return stop(domain.ReasonMaxAttemptsReached)
	}

	if res.HasStatus() {
		code := *res.StatusCode
		if isPermanentFailure(code) {
			return stop(domain.ReasonPermanentFailure)
		}
		if isRetryableStatus(code) {
			return p.retry(req.Attempt, res.CompletedAt, domain.ReasonRetryableStatus)
		}
		return stop(domain.ReasonNotRetryable)
	}

	if isTransportFailure(res.ErrorType) {
		return p.retry(req.Attempt, res.CompletedAt, domain.ReasonTransportError)
	}
	return stop(domain.ReasonNotRetryable)
}

func stop(reason string) domain.RetryDecision {
	return domain.RetryDecision{Kind: domain.DecisionStop, Reason: reason}
}

func (p Policy) retry(attempt int, now time.Time, reason string) domain.RetryDecision {
	delay := p.CalculateDelay(attempt)
	return domain.RetryDecision{
		Kind:          domain.DecisionRetry,
		NextAttemptAt: now.Add(delay),
		Delay:         delay,
		Reason:        reason,
	}
}

// CalculateDelay returns the wait after the given zero-based attempt failed.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt))

	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		random := p.random
		if random == nil {
			random = rand.Float64
		}
		delay += random() * delay * p.Jitter
	}

	// Without a MaxInterval the product grows past what a Duration holds.
	if math.IsNaN(delay) || delay <= 0 {
		return 0
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// NextAttemptTime is now plus the delay for attempt.
func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.CalculateDelay(attempt))
}
