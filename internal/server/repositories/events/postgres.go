// Package events provides a PostgreSQL-backed repository for the security
// event log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

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

// Append inserts one security event. Details are stored as JSONB.
func (r *PostgresRepository) Append(ctx context.Context, ev *models.SecurityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	query := `
		INSERT INTO security_events (id, event_type, subject_id, ip, severity, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.SubjectID, ev.IP, ev.Severity, details, ev.Timestamp); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Report aggregates event counts per (bucket, type, severity).
func (r *PostgresRepository) Report(ctx context.Context, from, to time.Time, bucket time.Duration) ([]models.AuthReportRow, error) {
	query := `
		SELECT
			to_timestamp(floor(extract(epoch FROM created_at) / $3) * $3) AS bucket,
			event_type, severity, COUNT(*)
		FROM security_events
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY bucket, event_type, severity
		ORDER BY bucket
	`
	rows, err := r.db.QueryContext(ctx, query, from, to, int64(bucket.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.AuthReportRow
	for rows.Next() {
		var row models.AuthReportRow
		if err := rows.Scan(&row.Bucket, &row.Type, &row.Severity, &row.Count); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// ListUnarchived returns events not yet shipped to cold storage, oldest first.
func (r *PostgresRepository) ListUnarchived(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT id, event_type, subject_id, ip, severity, details, created_at
		FROM security_events
		WHERE archived = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.SecurityEvent
	for rows.Next() {
		var ev models.SecurityEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.SubjectID, &ev.IP, &ev.Severity, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// MarkArchived flags the given events as shipped to cold storage.
func (r *PostgresRepository) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE security_events
		SET archived = TRUE
		WHERE id = ANY($1)
	`
	if _, err := r.db.ExecContext(ctx, query, ids); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
