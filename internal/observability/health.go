package observability

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// HealthHandler serves liveness and readiness. Readiness fails until
// SetReady(true) and while any registered dependency check fails.
type HealthHandler struct {
	mu     sync.RWMutex
	checks []namedCheck
	ready  atomic.Bool
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// AddCheck registers a dependency probe reported under name.
func (h *HealthHandler) AddCheck(name string, checker HealthChecker) *HealthHandler {
	if checker == nil {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, checker: checker})
	sort.Slice(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	h.mu.RLock()
	registered := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	for _, c := range registered {
		if err := c.checker.Ping(r.Context()); err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{Status: status, Checks: checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
