// Package breaker implements the circuit breaker guarding calls to the
// counter and token stores. Consecutive failures open the circuit; while
// open, calls short-circuit immediately so the fail-open policy can answer
// without waiting on a dead dependency. After a cool-down the breaker
// half-opens to probe recovery.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dvasilenko/authguard/internal/logging"
)

// ErrOpen is returned when the circuit is open and the call was not attempted.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker machine.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Config tunes the breaker thresholds.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before half-opening.
	Cooldown time.Duration
	// SuccessesToClose is how many half-open successes close the circuit.
	SuccessesToClose int
	// CallTimeout bounds each guarded call; a timeout counts as a failure.
	CallTimeout time.Duration
}

// DefaultConfig returns the thresholds used when a field is zero.
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessesToClose: 2,
		CallTimeout:      2 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger logging.Logger

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
}

// New constructs a Breaker, filling zero config fields with defaults.
func New(cfg Config, logger logging.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = def.SuccessesToClose
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Breaker{cfg: cfg, logger: logger, state: StateClosed}
}

// Execute runs fn under the breaker with the configured call timeout.
// When the circuit is open and the cool-down has not elapsed, it returns
// ErrOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		b.recordFailure(ctx)
		return err
	}
	b.recordSuccess(ctx)
	return nil
}

// allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once the cool-down has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailTime) >= b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailTime = time.Now()

	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		if b.state != StateOpen {
			b.transition(StateOpen)
			if b.logger != nil {
				b.logger.Warn(ctx, "circuit opened", "failures", b.failures)
			}
		}
	}
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessesToClose {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
			if b.logger != nil {
				b.logger.Info(ctx, "circuit closed after recovery")
			}
		}
	}
}

func (b *Breaker) transition(next State) {
	b.state = next
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
