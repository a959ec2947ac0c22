package plan

import (
	"fmt"
	"sync"

	"github.com/felipemaragno/callbacks/internal/domain"
)

// Registry memoizes compiled plans per callback id. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	plans map[string][]domain.Plan
}

func NewRegistry() *Registry {
	return &Registry{plans: make(map[string][]domain.Plan)}
}

// Register compiles cb and stores the result under callbackID. Registering
// an id twice returns domain.ErrAlreadyExists.
func (r *Registry) Register(callbackID string, cb Callback) ([]domain.Plan, error) {
	plans, err := Compile(callbackID, cb)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[callbackID]; ok {
		return nil, fmt.Errorf("callback %q: %w", callbackID, domain.ErrAlreadyExists)
	}
	r.plans[callbackID] = plans
	return append([]domain.Plan(nil), plans...), nil
}

// Plans returns the compiled plans for callbackID.
func (r *Registry) Plans(callbackID string) ([]domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plans, ok := r.plans[callbackID]
	if !ok {
		return nil, fmt.Errorf("callback %q: %w", callbackID, domain.ErrNotFound)
	}
	return append([]domain.Plan(nil), plans...), nil
}

// IDs lists registered callback ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	return ids
}
