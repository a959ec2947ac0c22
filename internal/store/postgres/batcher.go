package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
)

// BatcherConfig configures the insert batcher.
type BatcherConfig struct {
	// MaxSize is the maximum number of requests to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

// 15 parameters per row, PostgreSQL allows 65535 per statement.
const (
	insertParams     = 15
	maxRowsPerInsert = 4000
)

type pendingInsert struct {
	req  *domain.CallbackRequest
	done chan error
}

// Batcher coalesces SaveNew inserts into multi-row INSERTs. A batch flushes
// when it is full or MaxWait after its first request, whichever comes
// first. Each caller blocks until its own row is persisted.
type Batcher struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingInsert
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup
}

func NewBatcher(pool *pgxpool.Pool, clk clock.Clock, config BatcherConfig) *Batcher {
	if config.MaxSize <= 0 || config.MaxSize > maxRowsPerInsert {
		config.MaxSize = DefaultBatcherConfig().MaxSize
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultBatcherConfig().MaxWait
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Batcher{
		pool:    pool,
		clock:   clk,
		config:  config,
		pending: make([]pendingInsert, 0, config.MaxSize),
	}
}

// Add queues req for insertion and waits for the result. A duplicate id is
// reported as domain.ErrAlreadyExists.
func (b *Batcher) Add(ctx context.Context, req *domain.CallbackRequest) error {
	done := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrQueueClosed
	}
	b.pending = append(b.pending, pendingInsert{req: req, done: done})

	// Start timer on first request in batch
	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}
	if len(b.pending) >= b.config.MaxSize {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes what is pending, rejects further adds and waits for
// in-progress inserts.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		b.flushes.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushLocked must be called with mu held.
func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	toFlush := b.pending
	b.pending = make([]pendingInsert, 0, b.config.MaxSize)

	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		b.execute(toFlush)
	}()
}

func (b *Batcher) execute(batch []pendingInsert) {
	inserted, err := b.insert(context.Background(), batch)

	for _, p := range batch {
		switch {
		case err != nil:
			p.done <- err
		case !inserted[p.req.ID]:
			p.done <- fmt.Errorf("callback request %s: %w", p.req.ID, domain.ErrAlreadyExists)
		default:
			p.done <- nil
		}
		close(p.done)
	}
}

// insert performs one multi-row INSERT and reports which ids were written.
func (b *Batcher) insert(ctx context.Context, batch []pendingInsert) (map[string]bool, error) {
	var query strings.Builder
	query.WriteString(`
		INSERT INTO callback_requests (` + requestColumns + `, status, updated_at)
		VALUES `)

	now := b.clock.Now()
	args := make([]any, 0, len(batch)*insertParams)
	for i, p := range batch {
		if i > 0 {
			query.WriteString(", ")
		}
		base := i * insertParams
		query.WriteString("(")
		for j := 1; j <= insertParams-1; j++ {
			fmt.Fprintf(&query, "$%d, ", base+j)
		}
		fmt.Fprintf(&query, "'pending', $%d)", base+insertParams)

		args = append(args, insertArgs(p.req)...)
		args = append(args, now)
	}
	query.WriteString(" ON CONFLICT (id) DO NOTHING RETURNING id")

	rows, err := b.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("batch insert callback requests: %w", err)
	}
	defer rows.Close()

	inserted := make(map[string]bool, len(batch))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		inserted[id] = true
	}
	return inserted, rows.Err()
}
