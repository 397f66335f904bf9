// Package common defines shared constants and sentinel errors used across
// the engine's layers. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Credential verification errors.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Throttling and lockout errors.
	ErrRateLimited   = errors.New("rate limited")
	ErrAccountLocked = errors.New("account locked")

	// Token lifecycle errors.
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenRevoked   = errors.New("token revoked")

	// ErrTokenReused marks presentation of a refresh token that has already
	// been rotated away. It triggers family-wide revocation.
	ErrTokenReused = errors.New("token reused")

	// Session integrity errors.
	ErrSessionHijackSuspected = errors.New("session hijack suspected")
	ErrConcurrentSessionLimit = errors.New("concurrent session limit exceeded")

	// ErrServiceUnavailable signals a store outage on a critical path
	// (rotation must fail closed, never issue tokens on a guess).
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RateLimitedError wraps ErrRateLimited with the moment the window resets.
// errors.Is(err, ErrRateLimited) still matches.
type RateLimitedError struct {
	RetryAfter time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// AccountLockedError wraps ErrAccountLocked with the lockout deadline.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// SessionHijackError wraps ErrSessionHijackSuspected with the session and
// subject involved so callers can flag the right session.
type SessionHijackError struct {
	SessionID string
	SubjectID string
}

func (e *SessionHijackError) Error() string {
	return fmt.Sprintf("session hijack suspected for session %s", e.SessionID)
}

func (e *SessionHijackError) Unwrap() error { return ErrSessionHijackSuspected }
