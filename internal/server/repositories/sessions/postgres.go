// Package sessions provides a PostgreSQL-backed repository for session
// fingerprint records.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/dvasilenko/authguard/internal/dbx"
	"github.com/dvasilenko/authguard/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new session fingerprint.
func (r *PostgresRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, subject_id, ip, user_agent, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.SubjectID, s.IP, s.UserAgent, s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Find returns the session with the given id or common.ErrorNotFound.
func (r *PostgresRepository) Find(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, subject_id, ip, user_agent, status, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`
	s := &models.Session{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.SubjectID, &s.IP, &s.UserAgent, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// CountActive counts sessions of a subject that are still live.
func (r *PostgresRepository) CountActive(ctx context.Context, subjectID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM sessions
		WHERE subject_id = $1 AND status NOT IN ($2, $3)
	`
	var n int
	err := r.db.QueryRowContext(ctx, query, subjectID,
		models.SessionStatusLoggedOut, models.SessionStatusTerminated).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// Oldest returns the id of the oldest live session for a subject.
func (r *PostgresRepository) Oldest(ctx context.Context, subjectID string) (string, error) {
	query := `
		SELECT id
		FROM sessions
		WHERE subject_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at ASC
		LIMIT 1
	`
	var id string
	err := r.db.QueryRowContext(ctx, query, subjectID,
		models.SessionStatusLoggedOut, models.SessionStatusTerminated).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

// SetStatus transitions the session status. Terminated is absorbing, so the
// update is conditional on the current status.
func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status string) error {
	query := `
		UPDATE sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $3
	`
	if _, err := r.db.ExecContext(ctx, query, id, status, models.SessionStatusTerminated); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateFingerprint re-binds the session to a new observed fingerprint.
func (r *PostgresRepository) UpdateFingerprint(ctx context.Context, id string, fp models.Fingerprint) error {
	query := `
		UPDATE sessions
		SET ip = $2, user_agent = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, fp.IP, fp.UserAgent); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// TerminateAllForSubject terminates every live session owned by the subject.
func (r *PostgresRepository) TerminateAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	query := `
		UPDATE sessions
		SET status = $2, updated_at = NOW()
		WHERE subject_id = $1 AND status <> $2
	`
	res, err := r.db.ExecContext(ctx, query, subjectID, models.SessionStatusTerminated)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
