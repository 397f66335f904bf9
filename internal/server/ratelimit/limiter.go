// Package ratelimit implements request rate limiting and failed-login
// lockouts on top of the credential counter store. Both checks fail open
// when the store is unreachable: availability wins over throttling, and the
// degradation itself is recorded as a security event.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/breaker"
	"github.com/dvasilenko/authguard/internal/server/counters"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/google/uuid"
)

// eventRecorder is the slice of the audit recorder the limiter needs.
type eventRecorder interface {
	Record(ev *models.SecurityEvent)
}

// Decision is the outcome of a generic rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	// Degraded is true when the decision came from the fail-open path.
	Degraded bool
}

// LoginDecision is the outcome of a failed-login check.
type LoginDecision struct {
	Allowed      bool
	Remaining    int64
	LockoutUntil time.Time
}

// Config carries limiter policy.
type Config struct {
	// LoginFailLimit is the number of failed attempts per window before a
	// lockout arms (keyed by credential identity, not IP, so IP rotation
	// does not evade it).
	LoginFailLimit int64
	// LoginFailWindow is the failed-attempt counting window.
	LoginFailWindow time.Duration
	// LockoutBase is the first lockout duration; it doubles per successive
	// violation up to LockoutMax.
	LockoutBase time.Duration
	// LockoutMax caps the exponential backoff.
	LockoutMax time.Duration
}

// DefaultConfig returns the limits used when fields are zero.
func DefaultConfig() Config {
	return Config{
		LoginFailLimit:  5,
		LoginFailWindow: 15 * time.Minute,
		LockoutBase:     15 * time.Minute,
		LockoutMax:      24 * time.Hour,
	}
}

type lockoutState struct {
	until      time.Time
	violations int
}

// Limiter performs windowed rate checks guarded by a circuit breaker.
type Limiter struct {
	store    counters.Store
	brk      *breaker.Breaker
	recorder eventRecorder
	cfg      Config
	logger   logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	lockouts map[string]lockoutState
}

// NewLimiter constructs a Limiter. brk and recorder may be nil in tests.
func NewLimiter(store counters.Store, brk *breaker.Breaker, recorder eventRecorder, cfg Config, logger logging.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.LoginFailLimit <= 0 {
		cfg.LoginFailLimit = def.LoginFailLimit
	}
	if cfg.LoginFailWindow <= 0 {
		cfg.LoginFailWindow = def.LoginFailWindow
	}
	if cfg.LockoutBase <= 0 {
		cfg.LockoutBase = def.LockoutBase
	}
	if cfg.LockoutMax <= 0 {
		cfg.LockoutMax = def.LockoutMax
	}
	return &Limiter{
		store:    store,
		brk:      brk,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		lockouts: make(map[string]lockoutState),
	}
}

// WithClock overrides the clock source. Test seam.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckRateLimit counts this request against key and reports whether it is
// within limit for the window. Store failures and an open breaker both
// resolve to allowed=true with a degraded event.
func (l *Limiter) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*Decision, error) {
	var count counters.Count
	err := l.execute(ctx, func(ctx context.Context) error {
		var ierr error
		count, ierr = l.store.Increment(ctx, key, window)
		return ierr
	})
	if err != nil {
		l.logger.Warn(ctx, "counter store unavailable, failing open", "key", key, "error", err)
		l.recordDegraded("", fmt.Sprintf("rate limit check skipped for %s", key))
		return &Decision{Allowed: true, Remaining: limit, Degraded: true}, nil
	}

	remaining := limit - count.N
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   count.N <= limit,
		Remaining: remaining,
		ResetAt:   count.ResetAt,
	}, nil
}

// CheckFailedLoginAttempts reports whether the subject may attempt a login.
// A subject inside an armed lockout is denied with the deadline; otherwise
// the remaining budget for the current window is returned.
func (l *Limiter) CheckFailedLoginAttempts(ctx context.Context, subject string) (*LoginDecision, error) {
	now := l.now()

	l.mu.Lock()
	state, locked := l.lockouts[subject]
	l.mu.Unlock()
	if locked && now.Before(state.until) {
		return &LoginDecision{Allowed: false, LockoutUntil: state.until}, nil
	}

	var count counters.Count
	err := l.execute(ctx, func(ctx context.Context) error {
		var ierr error
		count, ierr = l.store.Peek(ctx, failKey(subject), l.cfg.LoginFailWindow)
		return ierr
	})
	if err != nil {
		l.logger.Warn(ctx, "counter store unavailable, failing open", "subject", subject, "error", err)
		l.recordDegraded(subject, "failed-login check skipped")
		return &LoginDecision{Allowed: true, Remaining: l.cfg.LoginFailLimit}, nil
	}

	remaining := l.cfg.LoginFailLimit - count.N
	if remaining < 0 {
		remaining = 0
	}
	return &LoginDecision{Allowed: remaining > 0, Remaining: remaining}, nil
}

// RecordFailure counts one failed login for the subject and arms (or
// extends) the lockout when the window budget is exhausted. Returns the
// armed lockout deadline, zero when no lockout fired.
func (l *Limiter) RecordFailure(ctx context.Context, subject string) (time.Time, error) {
	var count counters.Count
	err := l.execute(ctx, func(ctx context.Context) error {
		var ierr error
		count, ierr = l.store.Increment(ctx, failKey(subject), l.cfg.LoginFailWindow)
		return ierr
	})
	if err != nil {
		l.logger.Warn(ctx, "counter store unavailable, failure not recorded", "subject", subject, "error", err)
		l.recordDegraded(subject, "login failure not counted")
		return time.Time{}, nil
	}

	if count.N < l.cfg.LoginFailLimit {
		return time.Time{}, nil
	}

	l.mu.Lock()
	l.sweepLocked(l.now())
	state := l.lockouts[subject]
	state.violations++
	duration := l.cfg.LockoutBase << (state.violations - 1)
	if duration > l.cfg.LockoutMax || duration <= 0 {
		duration = l.cfg.LockoutMax
	}
	state.until = l.now().Add(duration)
	l.lockouts[subject] = state
	l.mu.Unlock()

	// Reset the window so the next lockout needs a fresh burst.
	_ = l.store.Reset(ctx, failKey(subject))
	return state.until, nil
}

// RecordSuccess clears the failure budget and any expired lockout state for
// the subject after a successful login.
func (l *Limiter) RecordSuccess(ctx context.Context, subject string) {
	_ = l.store.Reset(ctx, failKey(subject))
	l.mu.Lock()
	if state, ok := l.lockouts[subject]; ok && !l.now().Before(state.until) {
		delete(l.lockouts, subject)
	}
	l.mu.Unlock()
}

// sweepLocked drops lockout entries whose deadline passed more than
// LockoutMax ago. Violation history inside that horizon is kept so repeat
// offenders still escalate. Caller holds mu.
func (l *Limiter) sweepLocked(now time.Time) {
	for subject, state := range l.lockouts {
		if now.Sub(state.until) > l.cfg.LockoutMax {
			delete(l.lockouts, subject)
		}
	}
}

func (l *Limiter) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.brk == nil {
		return fn(ctx)
	}
	return l.brk.Execute(ctx, fn)
}

func (l *Limiter) recordDegraded(subject, detail string) {
	if l.recorder == nil {
		return
	}
	l.recorder.Record(&models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      models.EventDegraded,
		SubjectID: subject,
		Severity:  models.SeverityDegraded,
		Details:   map[string]string{"detail": detail},
		Timestamp: l.now(),
	})
}

func failKey(subject string) string { return "login_fail:" + subject }
