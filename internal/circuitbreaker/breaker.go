// Package circuitbreaker keeps a slow or failing dependency off the request
// path. The policy store wraps its durable read in a breaker so an outage of
// Postgres costs one timeout per cool-down window instead of one per request.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the cool-down elapses
	StateHalfOpen              // a single probe call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from CLOSED to OPEN.
	FailureThreshold int

	// CoolDown is how long the breaker stays OPEN before allowing a probe.
	CoolDown time.Duration

	// OnStateChange is called (outside the lock) on every transition.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock; tests use it to step through cool-downs.
	Now func() time.Time
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		CoolDown:         30 * time.Second,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// New creates a breaker, filling zero config fields from DefaultConfig.
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// cool-down has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state, from, changed := cb.currentStateLocked()
	cb.mu.Unlock()
	if changed {
		cb.notify(from, state)
	}
	return state
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation by the caller is not counted as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	failed := err != nil && !errors.Is(err, context.Canceled)
	cb.after(failed)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	state, from, changed := cb.currentStateLocked()
	var err error
	switch state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probeActive {
			err = ErrCircuitOpen
		} else {
			cb.probeActive = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, state)
	}
	return err
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	from := cb.state
	to := from

	switch cb.state {
	case StateHalfOpen:
		cb.probeActive = false
		if failed {
			to = StateOpen
		} else {
			to = StateClosed
		}
	case StateClosed:
		if failed {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				to = StateOpen
			}
		} else {
			cb.failures = 0
		}
	}
	if to != from {
		cb.setStateLocked(to)
	}
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) currentStateLocked() (state, from State, changed bool) {
	from = cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.CoolDown {
		cb.setStateLocked(StateHalfOpen)
		return cb.state, from, true
	}
	return cb.state, from, false
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	cb.state = to
	cb.failures = 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	slog.Warn("[CircuitBreaker] State change", "breaker", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
