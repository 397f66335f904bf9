package tokens

import (
	"context"
	"database/sql"

	"github.com/dvasilenko/authguard/internal/dbx"
)

// Store is a Repository that can also run a sequence of repository calls in
// one atomic transaction. Rotation relies on this: the conditional revoke of
// the old record and the insert of its successor commit together or not at
// all.
type Store interface {
	Repository

	// InTx runs fn against a transactional repository handle.
	InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// PostgresStore implements Store on top of *sql.DB.
type PostgresStore struct {
	*PostgresRepository
	db *sql.DB
}

// NewPostgresStore constructs a transactional token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{PostgresRepository: NewPostgresRepository(db), db: db}
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewPostgresRepository(tx))
	})
}

// InTx on the in-memory store runs fn directly: every individual operation is
// already atomic under the store mutex, and the conditional Revoke provides
// the rotation linearization point.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, r)
}
