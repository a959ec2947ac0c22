package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/queue"
	"github.com/felipemaragno/callbacks/internal/retry"
	"github.com/felipemaragno/callbacks/internal/sender"
	"github.com/felipemaragno/callbacks/internal/store"
	"github.com/felipemaragno/callbacks/internal/store/memory"
)

var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// spyStore counts transitions on top of the in-memory store.
type spyStore struct {
	*memory.Store
	mu             sync.Mutex
	inFlight       int
	succeeded      int
	retryScheduled int
	failed         int
}

func newSpyStore(clk clock.Clock) *spyStore {
	return &spyStore{Store: memory.New(clk)}
}

func (s *spyStore) MarkInFlight(ctx context.Context, req *domain.CallbackRequest) error {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	return s.Store.MarkInFlight(ctx, req)
}

func (s *spyStore) MarkSucceeded(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()
	return s.Store.MarkSucceeded(ctx, req, res)
}

func (s *spyStore) MarkRetryScheduled(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	s.mu.Lock()
	s.retryScheduled++
	s.mu.Unlock()
	return s.Store.MarkRetryScheduled(ctx, req, res)
}

func (s *spyStore) MarkFailedPermanent(ctx context.Context, req *domain.CallbackRequest, res domain.Result) error {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	return s.Store.MarkFailedPermanent(ctx, req, res)
}

func (s *spyStore) counts() (inFlight, succeeded, retryScheduled, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight, s.succeeded, s.retryScheduled, s.failed
}

// scriptedSender replays results in order and repeats the last one.
type scriptedSender struct {
	mu      sync.Mutex
	clock   clock.Clock
	script  []func() domain.Result
	calls   int
	entries []*domain.CallbackRequest
}

func status(code int) func() domain.Result {
	return func() domain.Result { return domain.StatusResult(code, testNow) }
}

func throttled() domain.Result {
	return domain.FailureResult(domain.ErrorTypeThrottled, sender.ErrRateLimited, testNow)
}

func (s *scriptedSender) Send(ctx context.Context, req *domain.CallbackRequest) domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, req.Clone())
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i]()
}

func (s *scriptedSender) sent() []*domain.CallbackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.CallbackRequest(nil), s.entries...)
}

func noJitterPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Jitter = 0
	return p
}

func newCallbackRequest(id string) *domain.CallbackRequest {
	return &domain.CallbackRequest{
		ID:             id,
		CallbackID:     "paymentStatus",
		OperationID:    "notifyStatus",
		TargetURL:      "http://receiver.example/hooks/p1",
		HTTPMethod:     http.MethodPost,
		CorrelationID:  "corr-1",
		IdempotencyKey: "paymentId=p1:paymentStatus:notifyStatus",
		CreatedAt:      testNow,
		NextAttemptAt:  testNow,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, st *spyStore, id string) domain.Status {
	t.Helper()
	rec, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return rec.Status
}

func TestPool_Process_Success(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	snd := &scriptedSender{script: []func() domain.Result{status(200)}}
	pool := NewPool(DefaultConfig(), queue.New(1), st, snd, noJitterPolicy(), clk, nil)

	req := newCallbackRequest("req-1")
	if err := st.SaveNew(context.Background(), req); err != nil {
		t.Fatalf("SaveNew() error = %v", err)
	}

	pool.Process(context.Background(), req)

	inFlight, succeeded, retried, failed := st.counts()
	if inFlight != 1 || succeeded != 1 || retried != 0 || failed != 0 {
		t.Errorf("transitions = %d/%d/%d/%d, want 1/1/0/0", inFlight, succeeded, retried, failed)
	}
	if statusOf(t, st, "req-1") != domain.StatusSucceeded {
		t.Errorf("expected succeeded")
	}
}

func TestPool_EndToEnd_HTTP(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		if r.Header.Get(sender.HeaderIdempotencyKey) == "" {
			t.Error("missing Idempotency-Key header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	pool := NewPool(Config{Workers: 2}, q, st, sender.NewHTTPSender(srv.Client(), clk), noJitterPolicy(), clk, nil)

	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	req := newCallbackRequest("req-http")
	req.TargetURL = srv.URL + "/hooks/p1"
	_ = st.SaveNew(ctx, req)
	if err := q.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "delivery", func() bool {
		_, succeeded, _, _ := st.counts()
		return succeeded == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("receiver hits = %d, want 1", hits)
	}
}

func TestPool_RetryThenPermanentFailure(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	snd := &scriptedSender{script: []func() domain.Result{status(500), status(404)}}
	requeue := NewDelayedRequeue(q, clk, nil)
	defer requeue.Stop()

	pool := NewPool(Config{Workers: 1}, q, st, snd, noJitterPolicy(), clk, nil).WithRedelivery(requeue)
	pool.Start(context.Background())
	defer pool.Stop()

	req := newCallbackRequest("req-retry")
	_ = st.SaveNew(context.Background(), req)
	_ = q.Enqueue(context.Background(), req)

	waitFor(t, "permanent failure", func() bool {
		_, _, _, failed := st.counts()
		return failed == 1
	})

	sent := snd.sent()
	if len(sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(sent))
	}
	if sent[0].Attempt != 0 || sent[1].Attempt != 1 {
		t.Errorf("attempts = %d, %d, want 0, 1", sent[0].Attempt, sent[1].Attempt)
	}
	if sent[0].IdempotencyKey != sent[1].IdempotencyKey {
		t.Error("idempotency key must be reused across attempts")
	}
	if !sent[1].NextAttemptAt.Equal(testNow.Add(2 * time.Second)) {
		t.Errorf("retry due at %v, want %v", sent[1].NextAttemptAt, testNow.Add(2*time.Second))
	}
	_, succeeded, retried, _ := st.counts()
	if retried != 1 || succeeded != 0 {
		t.Errorf("retryScheduled = %d, succeeded = %d", retried, succeeded)
	}
	if waits := clk.Waits(); len(waits) != 1 || waits[0] != 2*time.Second {
		t.Errorf("requeue waits = %v, want [2s]", waits)
	}

	rec, _ := st.Get(context.Background(), "req-retry")
	if rec.Status != domain.StatusFailed || rec.Request.Attempt != 1 {
		t.Errorf("record = %s attempt %d, want failed attempt 1", rec.Status, rec.Request.Attempt)
	}
}

func TestPool_StopsAtMaxAttempts(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	snd := &scriptedSender{script: []func() domain.Result{status(503)}}
	requeue := NewDelayedRequeue(q, clk, nil)
	defer requeue.Stop()

	policy := noJitterPolicy()
	policy.MaxAttempts = 3
	pool := NewPool(Config{Workers: 1}, q, st, snd, policy, clk, nil).WithRedelivery(requeue)
	pool.Start(context.Background())
	defer pool.Stop()

	req := newCallbackRequest("req-max")
	_ = st.SaveNew(context.Background(), req)
	_ = q.Enqueue(context.Background(), req)

	waitFor(t, "max attempts", func() bool {
		_, _, _, failed := st.counts()
		return failed == 1
	})

	if len(snd.sent()) != 3 {
		t.Errorf("sends = %d, want 3", len(snd.sent()))
	}
	attempts, _ := st.Attempts(context.Background(), "req-max")
	if len(attempts) != 3 {
		t.Errorf("recorded attempts = %d, want 3", len(attempts))
	}
	if waits := clk.Waits(); len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Errorf("requeue waits = %v, want [2s 4s]", waits)
	}
}

func TestPool_ThrottledDoesNotConsumeAttempt(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	snd := &scriptedSender{script: []func() domain.Result{throttled, status(200)}}
	requeue := NewDelayedRequeue(q, clk, nil)
	defer requeue.Stop()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, "test")
	pool := NewPool(Config{Workers: 1, ThrottleDelay: 500 * time.Millisecond}, q, st, snd, noJitterPolicy(), clk, nil).
		WithRedelivery(requeue).
		WithMetrics(metrics)
	pool.Start(context.Background())
	defer pool.Stop()

	req := newCallbackRequest("req-throttle")
	_ = st.SaveNew(context.Background(), req)
	_ = q.Enqueue(context.Background(), req)

	waitFor(t, "delivery after throttle", func() bool {
		_, succeeded, _, _ := st.counts()
		return succeeded == 1
	})

	sent := snd.sent()
	if len(sent) != 2 || sent[1].Attempt != 0 {
		t.Errorf("expected 2 sends with attempt still 0, got %d sends", len(sent))
	}
	if waits := clk.Waits(); len(waits) != 1 || waits[0] != 500*time.Millisecond {
		t.Errorf("requeue waits = %v, want [500ms]", waits)
	}
	if got := testutil.ToFloat64(metrics.CallbacksThrottled); got != 1 {
		t.Errorf("throttled metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CallbacksDelivered); got != 1 {
		t.Errorf("delivered metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DeliveryAttempts.WithLabelValues("success")); got != 1 {
		t.Errorf("success attempts = %v, want 1", got)
	}
}

// blockingSender waits for cancellation, like an HTTP call cut by shutdown.
type blockingSender struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSender) Send(ctx context.Context, req *domain.CallbackRequest) domain.Result {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return domain.FailureResult(domain.ErrorTypeCanceled, ctx.Err(), testNow)
}

func TestPool_ShutdownLeavesAttemptInFlight(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	snd := &blockingSender{started: make(chan struct{})}
	pool := NewPool(Config{Workers: 1}, q, st, snd, noJitterPolicy(), clk, nil)
	pool.Start(context.Background())

	req := newCallbackRequest("req-shutdown")
	_ = st.SaveNew(context.Background(), req)
	_ = q.Enqueue(context.Background(), req)

	<-snd.started
	pool.Stop()

	_, succeeded, retried, failed := st.counts()
	if succeeded+retried+failed != 0 {
		t.Errorf("interrupted attempt must not be recorded, got %d/%d/%d", succeeded, retried, failed)
	}
	if statusOf(t, st, "req-shutdown") != domain.StatusInFlight {
		t.Errorf("expected request to remain in flight")
	}
}

func TestPool_SkipsAlreadyHandled(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	snd := &scriptedSender{script: []func() domain.Result{status(200)}}
	pool := NewPool(DefaultConfig(), queue.New(1), st, snd, noJitterPolicy(), clk, nil)

	req := newCallbackRequest("req-dup")
	_ = st.SaveNew(context.Background(), req)
	pool.Process(context.Background(), req)
	pool.Process(context.Background(), req)

	if len(snd.sent()) != 1 {
		t.Errorf("a succeeded request must not be sent again, got %d sends", len(snd.sent()))
	}
}

func TestPool_UnknownRequestNotSent(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	snd := &scriptedSender{script: []func() domain.Result{status(200)}}
	pool := NewPool(DefaultConfig(), queue.New(1), st, snd, noJitterPolicy(), clk, nil)

	pool.Process(context.Background(), newCallbackRequest("never-saved"))

	if len(snd.sent()) != 0 {
		t.Error("request missing from the store must not be sent")
	}
}

func TestPool_DurableRedeliveryLeavesRetryInStore(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	st := newSpyStore(clk)
	q := queue.New(8)
	snd := &scriptedSender{script: []func() domain.Result{status(502)}}
	pool := NewPool(DefaultConfig(), q, st, snd, noJitterPolicy(), clk, nil)

	req := newCallbackRequest("req-durable")
	_ = st.SaveNew(context.Background(), req)
	pool.Process(context.Background(), req)

	if q.Len() != 0 {
		t.Error("durable redelivery must not enqueue")
	}
	if due, _ := st.DequeueDue(context.Background(), 10); len(due) != 0 {
		t.Errorf("retry is not due yet, got %d", len(due))
	}

	clk.Advance(2 * time.Second)
	due, err := st.DequeueDue(context.Background(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DequeueDue() = %d, %v, want 1", len(due), err)
	}
	if due[0].Attempt != 1 {
		t.Errorf("due attempt = %d, want 1", due[0].Attempt)
	}
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, *domain.CallbackRequest) error {
	return errors.New("queue unavailable")
}

func TestDelayedRequeue_StoppedRejects(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	d := NewDelayedRequeue(failingEnqueuer{}, clk, nil)
	d.Stop()
	d.Stop()

	err := d.Redeliver(context.Background(), newCallbackRequest("late"))
	if !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestDelayedRequeue_EnqueuesWhenDue(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	q := queue.New(1)
	d := NewDelayedRequeue(q, clk, nil)
	defer d.Stop()

	req := newCallbackRequest("later")
	req.NextAttemptAt = testNow.Add(-time.Second)
	if err := d.Redeliver(context.Background(), req); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil || got.ID != "later" {
		t.Fatalf("Dequeue() = %v, %v", got, err)
	}
	if waits := clk.Waits(); len(waits) != 1 || waits[0] != 0 {
		t.Errorf("overdue retry should not wait, got %v", waits)
	}
}

var _ store.Store = (*spyStore)(nil)
