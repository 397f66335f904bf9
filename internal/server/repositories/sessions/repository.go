// Package sessions declares the repository contract for session fingerprints
// created at login and consulted by the session security validator.
package sessions

import (
	"context"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// Repository defines operations on session fingerprint records.
//
// SetStatus refuses to move a session out of the terminated state: that
// state is absorbing.
type Repository interface {
	// Create stores a new session fingerprint.
	Create(ctx context.Context, s *models.Session) error

	// Find returns the session by id, or common.ErrorNotFound.
	Find(ctx context.Context, id string) (*models.Session, error)

	// CountActive returns the number of sessions for a subject that are not
	// logged out or terminated.
	CountActive(ctx context.Context, subjectID string) (int, error)

	// Oldest returns the id of the oldest live session for the subject, or
	// common.ErrorNotFound when none exist.
	Oldest(ctx context.Context, subjectID string) (string, error)

	// SetStatus transitions the session to the given status. Terminated
	// sessions are never transitioned again.
	SetStatus(ctx context.Context, id string, status string) error

	// UpdateFingerprint re-binds the session to a new observed fingerprint
	// (after a tolerated rotation).
	UpdateFingerprint(ctx context.Context, id string, fp models.Fingerprint) error

	// TerminateAllForSubject terminates every live session of the subject
	// and returns how many were affected.
	TerminateAllForSubject(ctx context.Context, subjectID string) (int64, error)
}
