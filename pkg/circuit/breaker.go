// Package circuit provides a circuit breaker guarding the pool's external
// dependencies. When bitcoind, Kafka or PostgreSQL starts failing, the
// breaker sheds calls instead of stacking blocked goroutines behind a dead
// connection, then probes for recovery.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/tidepool/pkg/errors"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	// StateClosed passes calls through and counts failures
	StateClosed State = iota
	// StateOpen sheds calls until Timeout elapses
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery
	StateHalfOpen
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

// Config tunes when the breaker trips and how it recovers.
type Config struct {
	// MaxFailures trips the breaker open once reached in the closed state
	MaxFailures int
	// SuccessRequired closes the breaker after this many half-open successes
	SuccessRequired int
	// Timeout is how long an open breaker sheds calls before probing
	Timeout time.Duration
	// ResetTimeout forgives old failures that never accumulated to a trip
	ResetTimeout time.Duration
}

// DefaultConfig is the fallback when a caller passes a nil config.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker guards one external dependency. Safe for concurrent use.
type Breaker struct {
	name   string
	config *Config

	mu            sync.RWMutex
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a closed breaker. The name identifies the guarded dependency
// in shed-call errors, e.g. "bitcoind" or "kafka".
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		name:          name,
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn unless the breaker is shedding calls, and feeds the
// outcome back into the trip state.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	if !b.allow() {
		return b.openErr()
	}
	err := fn()
	b.record(err)
	return err
}

// ExecuteWithResult is Execute for functions that produce a value.
func ExecuteWithResult[T any](_ context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, b.openErr()
	}
	result, err := fn()
	b.record(err)
	return result, err
}

func (b *Breaker) openErr() error {
	return errors.New(errors.ErrorTypeInternal, b.name, "circuit breaker is open").
		WithContext("state", b.GetState().String())
}

// allow reports whether the next call may proceed, advancing open to
// half-open once the probe timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) > b.config.ResetTimeout {
			b.failures = 0
			b.lastResetTime = now
		}
		return true
	case StateOpen:
		if now.Sub(b.lastFailTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

// recordFailure trips a closed breaker at MaxFailures; any half-open
// failure reopens immediately. Callers hold b.mu.
func (b *Breaker) recordFailure() {
	b.failures++
	b.lastFailTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.successes = 0
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
	}
}

// recordSuccess closes a half-open breaker after SuccessRequired probes.
// Callers hold b.mu.
func (b *Breaker) recordSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.lastResetTime = time.Now()
		}
	case StateClosed:
		b.successes++
	}
}

// GetState returns the current breaker state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats snapshots the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastResetTime = time.Now()
}
