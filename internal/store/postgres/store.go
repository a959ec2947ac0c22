// Package postgres is the durable store.Store on PostgreSQL. Transitions are
// single UPDATEs guarded by the expected current status, and DequeueDue
// claims rows with FOR UPDATE SKIP LOCKED so several instances can share one
// database.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/store"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const requestColumns = `id, callback_id, operation_id, target_url, http_method, headers,
	content_type, body, correlation_id, idempotency_key, timeout_ms, attempt,
	next_attempt_at, created_at`

type Store struct {
	pool    *pgxpool.Pool
	clock   clock.Clock
	lease   time.Duration
	batcher *Batcher
}

func New(pool *pgxpool.Pool, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{pool: pool, clock: clk, lease: store.DefaultLease}
}

// WithLease overrides how long a claimed or in-flight row is left alone.
func (s *Store) WithLease(d time.Duration) *Store {
	s.lease = d
	return s
}

// WithBatcher enables batch inserts for SaveNew.
func (s *Store) WithBatcher(config BatcherConfig) *Store {
	s.batcher = NewBatcher(s.pool, s.clock, config)
	return s
}

// Shutdown flushes pending batched inserts.
func (s *Store) Shutdown(ctx context.Context) error {
	if s.batcher != nil {
		return s.batcher.Shutdown(ctx)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) SaveNew(ctx context.Context, req *domain.CallbackRequest) error {
	if s.batcher != nil {
		return s.batcher.Add(ctx, req)
	}

	const query = `
		INSERT INTO callback_requests (` + requestColumns + `, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'pending', $15)
		ON CONFLICT (id) DO NOTHING
	`

	args := append(insertArgs(req), s.clock.Now())
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert callback request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callback request %s: %w", req.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func insertArgs(req *domain.CallbackRequest) []any {
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return []any{
		req.ID,
		req.CallbackID,
		req.OperationID,
		req.TargetURL,
		req.HTTPMethod,
		headers,
		req.ContentType,
		req.Body,
		req.CorrelationID,
		req.IdempotencyKey,
		req.Timeout.Milliseconds(),
		req.Attempt,
		req.NextAttemptAt,
		req.CreatedAt,
	}
}

func (s *Store) MarkInFlight(ctx context.Context, req *domain.CallbackRequest) error {
	return s.transition(ctx, req, domain.StatusInFlight, nil)
}

func (s *Store) MarkSucceeded(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(ctx, req, domain.StatusSucceeded, &res)
}

func (s *Store) MarkRetryScheduled(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(ctx, req, domain.StatusRetryScheduled, &res)
}

func (s *Store) MarkFailedPermanent(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	return s.transition(ctx, req, domain.StatusFailed, &res)
}

func (s *Store) transition(ctx context.Context, req *domain.CallbackRequest, to domain.Status, res *domain.Result) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE callback_requests
		SET status = $2, attempt = $3, next_attempt_at = $4, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = ANY($6)
	`

	sources := make([]string, 0, 3)
	for _, st := range store.Sources(to) {
		sources = append(sources, string(st))
	}

	tag, err := tx.Exec(ctx, query, req.ID, string(to), req.Attempt, req.NextAttemptAt, s.clock.Now(), sources)
	if err != nil {
		return fmt.Errorf("update callback request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectTransition(ctx, tx, req.ID, to)
	}

	if res != nil {
		if err := insertAttempt(ctx, tx, req, *res); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (s *Store) rejectTransition(ctx context.Context, tx pgx.Tx, id string, to domain.Status) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM callback_requests WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("callback request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read callback request %s: %w", id, err)
	}
	return fmt.Errorf("callback request %s %s -> %s: %w", id, current, to, domain.ErrInvalidTransition)
}

func insertAttempt(ctx context.Context, tx pgx.Tx, req *domain.CallbackRequest, res domain.Result) error {
	const query = `
		INSERT INTO callback_attempts (request_id, attempt, success, status_code, error_type, error_message, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		req.ID,
		req.Attempt,
		res.Success,
		res.StatusCode,
		string(res.ErrorType),
		res.ErrorMessage,
		res.Duration.Milliseconds(),
		res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", req.ID, err)
	}
	return nil
}

// DequeueDue claims due retry_scheduled rows, plus pending and in_flight rows
// untouched for longer than the lease (lost hand-offs and crashed workers).
func (s *Store) DequeueDue(ctx context.Context, max int) ([]*domain.CallbackRequest, error) {
	if max <= 0 {
		return nil, nil
	}

	const query = `
		UPDATE callback_requests
		SET claimed_at = $1
		WHERE id IN (
			SELECT id FROM callback_requests
			WHERE (claimed_at IS NULL OR claimed_at <= $2)
			AND (
				(status = 'retry_scheduled' AND next_attempt_at <= $1)
				OR (status IN ('pending', 'in_flight') AND updated_at <= $2)
			)
			ORDER BY next_attempt_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING ` + requestColumns

	now := s.clock.Now()
	rows, err := s.pool.Query(ctx, query, now, now.Add(-s.lease), max)
	if err != nil {
		return nil, fmt.Errorf("claim due callbacks: %w", err)
	}
	defer rows.Close()

	var out []*domain.CallbackRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Record, error) {
	const query = `
		SELECT ` + requestColumns + `, status, updated_at
		FROM callback_requests
		WHERE id = $1
	`

	var (
		status    string
		updatedAt time.Time
	)
	req, err := scanRequest(s.pool.QueryRow(ctx, query, id), &status, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("callback request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		Request:   req,
		Status:    domain.Status(status),
		UpdatedAt: updatedAt,
	}

	attempts, err := s.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		rec.LastResult = &last
	}
	return rec, nil
}

func (s *Store) Attempts(ctx context.Context, id string) ([]domain.Result, error) {
	const query = `
		SELECT success, status_code, error_type, error_message, duration_ms, completed_at
		FROM callback_attempts
		WHERE request_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		var (
			res        domain.Result
			errorType  string
			durationMs int64
		)
		if err := rows.Scan(&res.Success, &res.StatusCode, &errorType, &res.ErrorMessage, &durationMs, &res.CompletedAt); err != nil {
			return nil, err
		}
		res.ErrorType = domain.ErrorType(errorType)
		res.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, res)
	}
	return results, rows.Err()
}

func scanRequest(row pgx.Row, extra ...any) (*domain.CallbackRequest, error) {
	var (
		req       domain.CallbackRequest
		timeoutMs int64
	)
	dest := []any{
		&req.ID,
		&req.CallbackID,
		&req.OperationID,
		&req.TargetURL,
		&req.HTTPMethod,
		&req.Headers,
		&req.ContentType,
		&req.Body,
		&req.CorrelationID,
		&req.IdempotencyKey,
		&timeoutMs,
		&req.Attempt,
		&req.NextAttemptAt,
		&req.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	req.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &req, nil
}
