package events

import (
	"context"
	"sync"
	"time"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// MemoryRepository is an in-memory Repository for tests and single-node use.
type MemoryRepository struct {
	mu       sync.Mutex
	events   []models.SecurityEvent
	archived map[string]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{archived: make(map[string]bool)}
}

func (r *MemoryRepository) Append(_ context.Context, ev *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

// All returns a snapshot of appended events. Test helper.
func (r *MemoryRepository) All() []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepository) Report(_ context.Context, from, to time.Time, bucket time.Duration) ([]models.AuthReportRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		bucket   time.Time
		typ      string
		severity string
	}
	counts := make(map[key]int64)
	for _, ev := range r.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		k := key{bucket: ev.Timestamp.Truncate(bucket), typ: ev.Type, severity: ev.Severity}
		counts[k]++
	}

	out := make([]models.AuthReportRow, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.AuthReportRow{Bucket: k.bucket, Type: k.typ, Severity: k.severity, Count: n})
	}
	return out, nil
}

func (r *MemoryRepository) ListUnarchived(_ context.Context, limit int) ([]models.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, ev := range r.events {
		if len(out) >= limit {
			break
		}
		if !r.archived[ev.ID] {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkArchived(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.archived[id] = true
	}
	return nil
}
