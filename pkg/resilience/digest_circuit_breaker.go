// Package resilience provides fault tolerance for the LLM call path. The
// failure-rate breaker wrapping the provider client is gobreaker (see
// core/agent/llm); this breaker guards the cost budget, which needs a manual
// trip the failure-rate model doesn't express.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // normal operation, requests pass through
	StateOpen                         // circuit open, requests fail immediately
	StateHalfOpen                     // testing if the budget pressure passed
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker configuration.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Cooldown         time.Duration // time to wait before half-open
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern with an additional
// manual trip for budget breaches.
type CircuitBreaker struct {
	name string

	state        int32 // atomic: CircuitState
	failureCount int32 // atomic
	successCount int32 // atomic

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	lastOpened time.Time
	reason     string
	mu         sync.RWMutex

	onStateChange func(name string, from, to CircuitState)
}

// New creates a circuit breaker with the given config.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            int32(StateClosed),
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Cooldown,
	}
}

// OnStateChange sets a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}

// Reason returns why the breaker last opened.
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// Allow reports whether a call may proceed, transitioning open → half-open
// after the cooldown.
func (cb *CircuitBreaker) Allow() error {
	switch cb.State() {
	case StateClosed:
		return nil
	case StateOpen:
		cb.mu.RLock()
		opened := cb.lastOpened
		cb.mu.RUnlock()
		if time.Since(opened) > cb.cooldown {
			cb.setState(StateHalfOpen)
			atomic.StoreInt32(&cb.successCount, 0)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return nil
	}
	return nil
}

// Record feeds one call outcome into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	state := cb.State()
	if err != nil {
		atomic.AddInt32(&cb.failureCount, 1)
		atomic.StoreInt32(&cb.successCount, 0)
		cb.mu.Lock()
		cb.lastOpened = time.Now()
		cb.mu.Unlock()

		switch state {
		case StateClosed:
			if int(atomic.LoadInt32(&cb.failureCount)) >= cb.failureThreshold {
				cb.open("failure threshold reached")
			}
		case StateHalfOpen:
			cb.open("failure in half-open")
		}
		return
	}

	atomic.AddInt32(&cb.successCount, 1)
	if state == StateClosed {
		atomic.StoreInt32(&cb.failureCount, 0)
	}
	if state == StateHalfOpen && int(atomic.LoadInt32(&cb.successCount)) >= cb.successThreshold {
		cb.setState(StateClosed)
	}
}

// Execute runs fn with breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Trip opens the breaker immediately with the given reason. Used when the
// daily cost cap is breached; the breaker stays open for the cooldown.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	cb.lastOpened = time.Now()
	cb.mu.Unlock()
	cb.open(reason)
}

func (cb *CircuitBreaker) open(reason string) {
	cb.mu.Lock()
	cb.reason = reason
	cb.mu.Unlock()
	cb.setState(StateOpen)
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.setState(StateClosed)
	atomic.StoreInt32(&cb.failureCount, 0)
	atomic.StoreInt32(&cb.successCount, 0)
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := CircuitState(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}
	atomic.StoreInt32(&cb.failureCount, 0)
	atomic.StoreInt32(&cb.successCount, 0)

	cb.mu.RLock()
	callback := cb.onStateChange
	cb.mu.RUnlock()
	if callback != nil {
		callback(cb.name, oldState, newState)
	}
}

// Stats returns current breaker statistics.
type Stats struct {
	Name       string
	State      string
	Failures   int
	Successes  int
	Reason     string
	LastOpened time.Time
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	opened := cb.lastOpened
	reason := cb.reason
	cb.mu.RUnlock()

	return Stats{
		Name:       cb.name,
		State:      cb.State().String(),
		Failures:   int(atomic.LoadInt32(&cb.failureCount)),
		Successes:  int(atomic.LoadInt32(&cb.successCount)),
		Reason:     reason,
		LastOpened: opened,
	}
}
