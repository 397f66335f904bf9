// Package counters implements the credential counter store: atomically
// incrementable, time-windowed counters keyed by composite subject strings
// (e.g. "login_fail:alice" or "ip:203.0.113.7:/login"). It backs the rate
// limiter, lockouts, and the brute-force detector.
//
// The store is injected as a dependency so callers can run on the in-memory
// implementation in tests and on Redis in production.
package counters

import (
	"context"
	"time"
)

// Count is the result of one increment or peek.
type Count struct {
	// N is the number of events observed in the current window, including
	// the increment that produced this Count.
	N int64

	// WindowStart is the start of the current fixed window.
	WindowStart time.Time

	// ResetAt is when the current window expires and the counter resets
	// to zero.
	ResetAt time.Time
}

// Store is an atomically-incrementable windowed counter store. On window
// expiry the counter resets to zero; there is no gradual decay.
type Store interface {
	// Increment adds one event under key and returns the updated count for
	// the current window. The increment-and-read is atomic: concurrent
	// calls never lose updates.
	Increment(ctx context.Context, key string, window time.Duration) (Count, error)

	// Peek returns the current count without incrementing.
	Peek(ctx context.Context, key string, window time.Duration) (Count, error)

	// Reset clears the counter for key.
	Reset(ctx context.Context, key string) error
}

// windowIndex maps an instant onto its fixed-window ordinal.
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

func windowBounds(idx int64, window time.Duration) (start, reset time.Time) {
	start = time.Unix(0, idx*int64(window))
	return start, start.Add(window)
}
