package counters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is a lock-free in-memory Store. Each key holds one uint64
// packing the window ordinal (high 32 bits) and the count (low 32 bits), so
// increment-and-read and window rollover are a single compare-and-swap with
// no lost updates.
type MemoryStore struct {
	entries sync.Map // key -> *memEntry
	now     func() time.Time
}

type memEntry struct {
	state atomic.Uint64
}

func pack(win uint32, count uint32) uint64 { return uint64(win)<<32 | uint64(count) }
func unpack(v uint64) (win uint32, count uint32) {
	return uint32(v >> 32), uint32(v)
}

// NewMemoryStore constructs an in-memory counter store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// NewMemoryStoreWithClock constructs a store with an injected clock seam.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{now: now}
}

func (s *MemoryStore) entry(key string) *memEntry {
	if e, ok := s.entries.Load(key); ok {
		return e.(*memEntry)
	}
	e, _ := s.entries.LoadOrStore(key, &memEntry{})
	return e.(*memEntry)
}

// Increment atomically bumps the counter for the current window, rolling the
// window over when it has expired.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Count, error) {
	now := s.now()
	idx := windowIndex(now, window)
	winID := uint32(idx)

	e := s.entry(key)
	for {
		cur := e.state.Load()
		curWin, curCount := unpack(cur)

		var next uint64
		var n int64
		if curWin == winID {
			n = int64(curCount) + 1
			next = pack(winID, curCount+1)
		} else {
			n = 1
			next = pack(winID, 1)
		}

		if e.state.CompareAndSwap(cur, next) {
			start, reset := windowBounds(idx, window)
			return Count{N: n, WindowStart: start, ResetAt: reset}, nil
		}
	}
}

// Peek returns the current count without incrementing.
func (s *MemoryStore) Peek(_ context.Context, key string, window time.Duration) (Count, error) {
	now := s.now()
	idx := windowIndex(now, window)
	start, reset := windowBounds(idx, window)

	e, ok := s.entries.Load(key)
	if !ok {
		return Count{N: 0, WindowStart: start, ResetAt: reset}, nil
	}
	win, count := unpack(e.(*memEntry).state.Load())
	if win != uint32(idx) {
		return Count{N: 0, WindowStart: start, ResetAt: reset}, nil
	}
	return Count{N: int64(count), WindowStart: start, ResetAt: reset}, nil
}

// Reset clears the counter for key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}
