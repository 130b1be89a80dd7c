package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("redis circuit open")

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // publishing normally
	StateOpen                  // Redis considered down, calls rejected
	StateHalfOpen              // cooldown elapsed, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker keeps a dead Redis from stalling every publish cycle.
// After threshold consecutive failures it opens and Execute rejects calls
// until the cooldown elapses; the next call is then let through as a probe.
// A successful probe closes the breaker, a failed one reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time

	// OnStateChange, if set, observes every transition.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and probes again after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// Execute runs fn unless the breaker is open, recording the outcome.
// Returns ErrCircuitOpen when the call was rejected, fn's error otherwise.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.gate(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// gate decides whether the next call may run, moving an open breaker to
// half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) gate() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) <= cb.cooldown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.openedAt = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.transition(StateOpen)
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
