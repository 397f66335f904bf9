// Package tokens provides a PostgreSQL-backed repository for refresh token
// records used in the engine's rotation flow.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/dbx"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new refresh token record.
func (r *PostgresRepository) Create(ctx context.Context, rec *models.RefreshTokenRecord) error {
	query := `
		INSERT INTO refresh_tokens
			(id, subject_id, session_id, token_hash, token_family, issued_at, expires_at, revoked, rotation_count, last_used_ip, last_used_agent, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.SubjectID, rec.SessionID, rec.TokenHash, rec.TokenFamily,
		rec.IssuedAt, rec.ExpiresAt, rec.Revoked, rec.RotationCount,
		rec.LastUsedFP.IP, rec.LastUsedFP.UserAgent, rec.LastUsedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindByHash returns the record with the given token hash.
// If not found, it returns common.ErrorNotFound.
func (r *PostgresRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshTokenRecord, error) {
	query := `
		SELECT id, subject_id, session_id, token_hash, token_family, issued_at, expires_at, revoked, rotation_count, last_used_ip, last_used_agent, last_used_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	rec := &models.RefreshTokenRecord{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(
		&rec.ID, &rec.SubjectID, &rec.SessionID, &rec.TokenHash, &rec.TokenFamily,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked, &rec.RotationCount,
		&rec.LastUsedFP.IP, &rec.LastUsedFP.UserAgent, &rec.LastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

// Revoke flips the revoked flag if it is not already set. The conditional
// WHERE clause makes concurrent rotations of one token resolve to exactly
// one winner.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE id = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

// RevokeFamily revokes all live records of a token family in one indexed
// bulk update.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, family string) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE token_family = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, family)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// RevokeAllForSubject revokes every live record owned by the subject.
func (r *PostgresRepository) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE subject_id = $1 AND revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, subjectID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// TouchUsage records the fingerprint and time of the latest use of a token.
func (r *PostgresRepository) TouchUsage(ctx context.Context, id string, fp models.Fingerprint, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET last_used_ip = $2, last_used_agent = $3, last_used_at = $4
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, fp.IP, fp.UserAgent, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
