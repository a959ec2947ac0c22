package domain

import (
	"fmt"
	"net/http"
	"time"
)

// Status is the lifecycle state of a callback request as seen by the store.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInFlight       Status = "in_flight"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CallbackRequest is one logical notification. Identity fields are fixed when
// the request factory builds it; only Attempt and NextAttemptAt move across
// retries, and IdempotencyKey is reused for every attempt.
type CallbackRequest struct {
	ID             string            `json:"id"`
	CallbackID     string            `json:"callback_id"`
	OperationID    string            `json:"operation_id"`
	TargetURL      string            `json:"target_url"`
	HTTPMethod     string            `json:"http_method"`
	Headers        map[string]string `json:"headers,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	Body           []byte            `json:"body,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Timeout        time.Duration     `json:"timeout"`
	Attempt        int               `json:"attempt"`
	CreatedAt      time.Time         `json:"created_at"`
	NextAttemptAt  time.Time         `json:"next_attempt_at"`
}

// ScheduleRetry advances the attempt counter and sets the next due time.
func (r *CallbackRequest) ScheduleRetry(next time.Time) {
	r.Attempt++
	r.NextAttemptAt = next
}

// Reschedule moves the due time without consuming an attempt. Used for
// internal backpressure (rate limiting, open circuit).
func (r *CallbackRequest) Reschedule(next time.Time) {
	r.NextAttemptAt = next
}

// Due reports whether the request may be dispatched at now.
func (r *CallbackRequest) Due(now time.Time) bool {
	return !r.NextAttemptAt.After(now)
}

// Clone returns a deep copy so stores can snapshot a request.
func (r *CallbackRequest) Clone() *CallbackRequest {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// ErrorType tags the kind of delivery failure.
type ErrorType string

const (
	ErrorTypeHTTP      ErrorType = "HttpError"
	ErrorTypeTransport ErrorType = "HttpRequestException"
	ErrorTypeTimeout   ErrorType = "Timeout"
	ErrorTypeThrottled ErrorType = "Throttled"
	ErrorTypeCanceled  ErrorType = "Canceled"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Success      bool          `json:"success"`
	StatusCode   *int          `json:"status_code,omitempty"`
	ErrorType    ErrorType     `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
}

// StatusResult maps an HTTP status code to a result: 2xx is success, anything
// else an HttpError.
func StatusResult(statusCode int, completedAt time.Time) Result {
	code := statusCode
	res := Result{StatusCode: &code, CompletedAt: completedAt}
	if statusCode >= 200 && statusCode < 300 {
		res.Success = true
		return res
	}
	res.ErrorType = ErrorTypeHTTP
	res.ErrorMessage = fmt.Sprintf("callback receiver responded %d %s", statusCode, http.StatusText(statusCode))
	return res
}

// FailureResult builds a failed result without a status code.
func FailureResult(kind ErrorType, err error, completedAt time.Time) Result {
	res := Result{ErrorType: kind, CompletedAt: completedAt}
	if err != nil {
		res.ErrorMessage = err.Error()
	}
	return res
}

// HasStatus reports whether the result carries an HTTP status code.
func (r Result) HasStatus() bool {
	return r.StatusCode != nil
}

// DecisionKind is the verdict of the retry policy.
type DecisionKind string

const (
	DecisionRetry DecisionKind = "Retry"
	DecisionStop  DecisionKind = "Stop"
)

// Retry decision reasons.
const (
	ReasonMaxAttemptsReached = "MaxAttemptsReached"
	ReasonPermanentFailure   = "PermanentFailure"
	ReasonNotRetryable       = "NotRetryable"
	ReasonRetryableStatus    = "RetryableStatus"
	ReasonTransportError     = "TransportError"
)

// RetryDecision tells the worker whether to schedule another attempt.
type RetryDecision struct {
	Kind          DecisionKind
	NextAttemptAt time.Time
	Delay         time.Duration
	Reason        string
}

func (d RetryDecision) ShouldRetry() bool {
	return d.Kind == DecisionRetry
}
