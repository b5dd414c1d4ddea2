// Package circuitbreaker keeps a dark upstream from consuming the fetch budget
// of every snapshot build by short-circuiting its adapter for a cool-down period.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the breaker is open
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls are rejected
	StateHalfOpen              // Probing whether the upstream recovered
)

// String returns the state name used in logs and status output
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

// CircuitBreaker counts consecutive failures of one upstream adapter.
type CircuitBreaker struct {
	name string

	// Consecutive failures that trip the breaker
	failureThreshold int

	// Successful probes in HalfOpen required to close
	successThreshold int

	// Duration before a reset attempt
	resetDelay time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	successCount int
	probing      bool
	lastTrip     time.Time
	lastReason   string

	now func() time.Time

	// Event callback for monitoring/alerting
	onStateChange func(name string, from, to State)
}

// Snapshot is a point-in-time view of a breaker for status reporting
type Snapshot struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"consecutiveFailures"`
	LastTrip   time.Time `json:"lastTrip,omitempty"`
	LastReason string    `json:"lastReason,omitempty"`
}

// New creates a breaker that opens after failureThreshold consecutive failures
func New(name string, failureThreshold int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: 1,
		resetDelay:       time.Minute,
		state:            StateClosed,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful probes needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	if threshold > 0 {
		cb.successThreshold = threshold
	}
	return cb
}

// WithStateChangeCallback sets a callback invoked on every state transition.
// It runs synchronously under the breaker lock, in transition order, and must
// not call back into the breaker.
func (cb *CircuitBreaker) WithStateChangeCallback(callback func(name string, from, to State)) *CircuitBreaker {
	cb.onStateChange = callback
	return cb
}

// WithClock replaces the time source, used by tests
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Name returns the adapter name guarded by this breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may proceed. In HalfOpen only one probe is admitted at a time.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
			return ErrOpen
		}
		cb.transition(StateHalfOpen)
		cb.successCount = 0
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess registers a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.successCount = 0
			cb.transition(StateClosed)
			logrus.WithField("adapter", cb.name).Info("Circuit breaker closed: upstream recovered")
		}
	}
}

// RecordFailure registers a failed call and trips the breaker when the threshold is reached
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastReason = reason
	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		cb.trip()
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	}
}

// Release returns an admitted HalfOpen probe without judging the upstream,
// used when the caller abandoned the call
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker status
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:       cb.name,
		State:      cb.state.String(),
		Failures:   cb.failures,
		LastTrip:   cb.lastTrip,
		LastReason: cb.lastReason,
	}
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successCount = 0
	cb.probing = false
	cb.transition(StateClosed)
	logrus.WithField("adapter", cb.name).Info("Circuit breaker manually reset to closed state")
}

// trip must be called with mu held
func (cb *CircuitBreaker) trip() {
	cb.lastTrip = cb.now()
	cb.failures = 0
	cb.transition(StateOpen)
	logrus.WithFields(logrus.Fields{
		"adapter": cb.name,
		"reason":  cb.lastReason,
		"reset":   cb.resetDelay,
	}).Warn("Circuit breaker tripped")
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
