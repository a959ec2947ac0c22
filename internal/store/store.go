// Package store defines persistence for callback request lifecycles.
//
// Lifecycle:
//
//	pending ──► in_flight ──► succeeded
//	               │  ▲
//	               │  └──── retry_scheduled
//	               ├──────► retry_scheduled
//	               └──────► failed
//
// Implementations must make every transition atomic against the expected
// current status and return domain.ErrInvalidTransition otherwise, so that
// "succeeded" and "retry_scheduled" can never both be recorded for one
// attempt.
package store

import (
	"context"
	"time"

	"github.com/felipemaragno/callbacks/internal/domain"
)

// Store persists lifecycle transitions and surfaces due retries.
type Store interface {
	SaveNew(ctx context.Context, req *domain.CallbackRequest) error
	MarkInFlight(ctx context.Context, req *domain.CallbackRequest) error
	MarkSucceeded(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error
	MarkRetryScheduled(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error
	MarkFailedPermanent(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error
	// DequeueDue claims up to max requests whose NextAttemptAt has elapsed.
	// A claimed request is not returned again until its lease expires.
	DequeueDue(ctx context.Context, max int) ([]*domain.CallbackRequest, error)
}

// Record is the stored view of one callback request.
type Record struct {
	Request    *domain.CallbackRequest
	Status     domain.Status
	LastResult *domain.Result
	UpdatedAt  time.Time
}

// Reader exposes stored state for inspection.
type Reader interface {
	Get(ctx context.Context, id string) (*Record, error)
	Attempts(ctx context.Context, id string) ([]domain.Result, error)
}

// DefaultLease is how long a claimed or in-flight request is left alone
// before DequeueDue surfaces it again.
const DefaultLease = 5 * time.Minute

// CanTransition reports whether a request in status from may move to to.
func CanTransition(from, to domain.Status) bool {
	switch to {
	case domain.StatusInFlight:
		return from == domain.StatusPending || from == domain.StatusRetryScheduled || from == domain.StatusInFlight
	case domain.StatusSucceeded, domain.StatusFailed, domain.StatusRetryScheduled:
		return from == domain.StatusInFlight
	}
	return false
}

// Sources lists the statuses a transition to status may start from.
func Sources(status domain.Status) []domain.Status {
	var out []domain.Status
	for _, from := range []domain.Status{
		domain.StatusPending,
		domain.StatusInFlight,
		domain.StatusRetryScheduled,
		domain.StatusSucceeded,
		domain.StatusFailed,
	} {
		if CanTransition(from, status) {
			out = append(out, from)
		}
	}
	return out
}
