// Package tokens declares the server-side repository contract for the
// durable refresh-token store. The store is the single source of truth for
// revocation; "not revoked" must never be cached beyond a short TTL.
package tokens

import (
	"context"
	"time"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// Repository defines operations on refresh token records.
//
// Revoke is the linearization point for rotation: it flips the revoked flag
// only if it is not already set and reports whether this call did the flip.
// Two concurrent rotations of one token therefore see exactly one true.
type Repository interface {
	// Create stores a new refresh token record.
	Create(ctx context.Context, rec *models.RefreshTokenRecord) error

	// FindByHash looks up a record by the SHA-256 hash of the opaque token.
	// Returns common.ErrorNotFound when absent.
	FindByHash(ctx context.Context, hash string) (*models.RefreshTokenRecord, error)

	// Revoke marks the record revoked. The returned bool is true iff the
	// record transitioned from not-revoked to revoked in this call.
	Revoke(ctx context.Context, id string) (bool, error)

	// RevokeFamily revokes every record in a token family and returns the
	// number of records newly revoked.
	RevokeFamily(ctx context.Context, family string) (int64, error)

	// RevokeAllForSubject revokes every live record owned by the subject.
	RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error)

	// TouchUsage records the fingerprint and time of the latest use.
	TouchUsage(ctx context.Context, id string, fp models.Fingerprint, at time.Time) error
}
