// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dvasilenko/authguard/internal/dbx"
	"github.com/dvasilenko/authguard/internal/server/repositories/events"
	"github.com/dvasilenko/authguard/internal/server/repositories/sessions"
	"github.com/dvasilenko/authguard/internal/server/repositories/tokens"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Tokens(db *sql.DB) tokens.Store
	Sessions(db dbx.DBTX) sessions.Repository
	Events(db dbx.DBTX) events.Repository
}
