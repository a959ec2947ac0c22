// Package memory is an in-process store for single-process deployments and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/store"
)

type record struct {
	req       *domain.CallbackRequest
	status    domain.Status
	last      *domain.Result
	attempts  []domain.Result
	updatedAt time.Time
	claimedAt time.Time
}

// Store keeps every request in a map guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	clock   clock.Clock
	lease   time.Duration
}

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		records: make(map[string]*record),
		clock:   clk,
		lease:   store.DefaultLease,
	}
}

// WithLease overrides the claim lease used by DequeueDue.
func (s *Store) WithLease(d time.Duration) *Store {
	s.lease = d
	return s
}

func (s *Store) SaveNew(ctx context.Context, req *domain.CallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[req.ID]; ok {
		return fmt.Errorf("callback request %s: %w", req.ID, domain.ErrAlreadyExists)
	}
	s.records[req.ID] = &record{
		req:       req.Clone(),
		status:    domain.StatusPending,
		updatedAt: s.clock.Now(),
	}
	return nil
}

func (s *Store) MarkInFlight(ctx context.Context, req *domain.CallbackRequest) error {
	return s.transition(req, domain.StatusInFlight, nil)
}

func (s *Store) MarkSucceeded(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(req, domain.StatusSucceeded, &res)
}

func (s *Store) MarkRetryScheduled(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(req, domain.StatusRetryScheduled, &res)
}

func (s *Store) MarkFailedPermanent(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(req, domain.StatusFailed, &res)
}

func (s *Store) transition(req *domain.CallbackRequest, to domain.Status, res *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[req.ID]
	if !ok {
		return fmt.Errorf("callback request %s: %w", req.ID, domain.ErrNotFound)
	}
	if !store.CanTransition(rec.status, to) {
		return fmt.Errorf("callback request %s %s -> %s: %w", req.ID, rec.status, to, domain.ErrInvalidTransition)
	}

	rec.status = to
	rec.req.Attempt = req.Attempt
	rec.req.NextAttemptAt = req.NextAttemptAt
	rec.updatedAt = s.clock.Now()
	rec.claimedAt = time.Time{}
	if res != nil {
		r := *res
		rec.last = &r
		rec.attempts = append(rec.attempts, r)
	}
	return nil
}

// DequeueDue returns retry-scheduled requests that are due, plus pending or
// in-flight requests left untouched for longer than the lease, oldest first.
func (s *Store) DequeueDue(ctx context.Context, max int) ([]*domain.CallbackRequest, error) {
	if max <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*record
	for _, rec := range s.records {
		if !rec.claimedAt.IsZero() && now.Sub(rec.claimedAt) < s.lease {
			continue
		}
		switch rec.status {
		case domain.StatusRetryScheduled:
			if rec.req.Due(now) {
				due = append(due, rec)
			}
		case domain.StatusPending, domain.StatusInFlight:
			if now.Sub(rec.updatedAt) >= s.lease {
				due = append(due, rec)
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].req.NextAttemptAt.Equal(due[j].req.NextAttemptAt) {
			return due[i].req.NextAttemptAt.Before(due[j].req.NextAttemptAt)
		}
		return due[i].req.CreatedAt.Before(due[j].req.CreatedAt)
	})
	if len(due) > max {
		due = due[:max]
	}

	out := make([]*domain.CallbackRequest, 0, len(due))
	for _, rec := range due {
		rec.claimedAt = now
		out = append(out, rec.req.Clone())
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("callback request %s: %w", id, domain.ErrNotFound)
	}
	out := &store.Record{
		Request:   rec.req.Clone(),
		Status:    rec.status,
		UpdatedAt: rec.updatedAt,
	}
	if rec.last != nil {
		last := *rec.last
		out.LastResult = &last
	}
	return out, nil
}

func (s *Store) Attempts(ctx context.Context, id string) ([]domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("callback request %s: %w", id, domain.ErrNotFound)
	}
	return append([]domain.Result(nil), rec.attempts...), nil
}

// Ping satisfies the health checker contract.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
