package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open state is when the circuit has tripped and requests are blocked.
	Open
	// HalfOpen lets trial requests through to check whether the downstream recovered.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker is the interface for the circuit breaker pattern.
type CircuitBreaker interface {
	// Execute runs the given request if the circuit breaker is closed or half-open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

// Option tunes a breaker.
type Option func(*breaker)

// WithStateChange registers a callback fired (outside the lock) after each transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *breaker) { b.onStateChange = fn }
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

type breaker struct {
	name             string
	failureThreshold uint32        // Number of failures to trip the circuit.
	successThreshold uint32        // Number of successes in HalfOpen state to close the circuit.
	timeout          time.Duration // Duration to wait in Open state before transitioning to HalfOpen.
	onStateChange    func(name string, from, to State)
	now              func() time.Time

	mutex                sync.Mutex
	state                State
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
	openedAt             time.Time
}

// New creates a breaker named after the downstream it protects.
// failureThreshold: consecutive failures that open the circuit.
// successThreshold: consecutive half-open successes that close it again.
// timeout: how long the circuit stays open before probing.
func New(name string, failureThreshold, successThreshold uint32, timeout time.Duration, opts ...Option) CircuitBreaker {
	b := &breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
		state:            Closed,
	}
	if b.failureThreshold == 0 {
		b.failureThreshold = 1
	}
	if b.successThreshold == 0 {
		b.successThreshold = 1
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state of the circuit breaker.
func (b *breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	b.mutex.Lock()
	var changed func()
	if b.state == Open && b.now().Sub(b.openedAt) > b.timeout {
		changed = b.setState(HalfOpen)
	}
	state := b.state
	b.mutex.Unlock()
	if changed != nil {
		changed()
	}

	if state == Open {
		return nil, ErrCircuitOpen
	}
	res, err := req()
	b.record(err == nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *breaker) record(success bool) {
	b.mutex.Lock()
	var changed func()
	switch b.state {
	case HalfOpen:
		if !success {
			changed = b.setState(Open)
			break
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			changed = b.setState(Closed)
		}
	case Closed:
		if success {
			b.consecutiveFailures = 0
			break
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			changed = b.setState(Open)
		}
	}
	b.mutex.Unlock()
	if changed != nil {
		changed()
	}
}

// setState must be called with the mutex held; it returns the notification to
// run once the mutex is released.
func (b *breaker) setState(to State) func() {
	from := b.state
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	if to == Open {
		b.openedAt = b.now()
	}
	if b.onStateChange == nil || from == to {
		return nil
	}
	name, fn := b.name, b.onStateChange
	return func() { fn(name, from, to) }
}
