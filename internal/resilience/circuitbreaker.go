package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Circuit breaker states:
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(MaxRequests consecutive successes)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]

var errRecordedFailure = errors.New("recorded delivery failure")

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the number of requests allowed (and successes needed) in
// half-open state.
// Interval is the cyclic period for clearing counts while closed.
// Timeout is how long the breaker stays open before half-open.
// FailureRatio is the failure share that trips the breaker (0.0-1.0).
// MinRequests is the minimum request count before the ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// CircuitBreakerManager keeps one gobreaker per destination so a failing
// receiver does not affect deliveries to healthy ones.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(destination string, from, to CircuitState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions. Set it before
// the first breaker is created.
func (m *CircuitBreakerManager) OnStateChange(fn func(destination string, from, to CircuitState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// GetBreaker returns the breaker for destination, creating one if needed.
func (m *CircuitBreakerManager) GetBreaker(destination string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[destination]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[destination]; exists {
		return cb
	}

	onChange := m.onStateChange
	settings := gobreaker.Settings{
		Name:        destination,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[destination] = cb
	return cb
}

// Execute runs fn through the destination's breaker. An open breaker
// returns gobreaker.ErrOpenState without calling fn.
func (m *CircuitBreakerManager) Execute(destination string, fn func() (interface{}, error)) (interface{}, error) {
	return m.GetBreaker(destination).Execute(fn)
}

func (m *CircuitBreakerManager) State(destination string) CircuitState {
	return toState(m.GetBreaker(destination).State())
}

func toState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
