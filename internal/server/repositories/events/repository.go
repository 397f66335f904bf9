// Package events declares the repository contract for the append-only
// security event log. The interface deliberately has no update or delete
// operations for event payloads; archived bookkeeping is the only mutation.
package events

import (
	"context"
	"time"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// Repository stores security events for audit and compliance reporting.
type Repository interface {
	// Append inserts one event. Events are never modified afterwards.
	Append(ctx context.Context, ev *models.SecurityEvent) error

	// Report aggregates event counts per (bucket, type, severity) between
	// from and to, with the given bucket width.
	Report(ctx context.Context, from, to time.Time, bucket time.Duration) ([]models.AuthReportRow, error)

	// ListUnarchived returns up to limit events not yet shipped to cold
	// storage, oldest first.
	ListUnarchived(ctx context.Context, limit int) ([]models.SecurityEvent, error)

	// MarkArchived flags the given event ids as shipped.
	MarkArchived(ctx context.Context, ids []string) error
}
