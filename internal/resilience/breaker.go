// Package resilience provides retry and circuit breaking for calls to
// external collaborators such as the settlement gateway.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the position of a breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var stateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig configures a breaker. Zero values fall back to the
// defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// SuccessThreshold trial successes close it again.
	SuccessThreshold int
	// Timeout is the cool-down before a trial call is let through.
	Timeout time.Duration
	// OnStateChange observes transitions. It runs outside the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig is tuned for the settlement gateway.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned by Allow while calls are being shed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker sheds calls after repeated failures. While half-open it
// admits one trial call at a time; callers racing it are rejected.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	streak   int // consecutive failures when closed, successes when half-open
	inTrial  bool
	lastErr  error
	reopenAt time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. A nil result obliges the caller
// to report the outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitOpen:
		if cb.now().Before(cb.reopenAt) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = cb.moveLocked(CircuitHalfOpen)
		cb.inTrial = true
	case CircuitHalfOpen:
		if cb.inTrial {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.inTrial = true
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess reports a call that reached the collaborator and got an
// answer.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.streak = 0
	case CircuitHalfOpen:
		cb.inTrial = false
		cb.streak++
		if cb.streak >= cb.cfg.SuccessThreshold {
			from, changed = cb.moveLocked(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitClosed)
	}
}

// RecordFailure reports a transport failure or a server-side error.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	cb.lastErr = err
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.streak++
		if cb.streak >= cb.cfg.FailureThreshold {
			from, changed = cb.moveLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		from, changed = cb.moveLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, CircuitOpen)
	}
}

func (cb *CircuitBreaker) moveLocked(next CircuitState) (CircuitState, bool) {
	prev := cb.state
	if prev == next {
		return prev, false
	}
	cb.state = next
	cb.streak = 0
	cb.inTrial = false
	if next == CircuitOpen {
		cb.reopenAt = cb.now().Add(cb.cfg.Timeout)
	}
	return prev, true
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the most recent recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}
