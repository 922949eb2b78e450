package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	libdb "meterbill/backend/libs/db"
)

//go:embed schema.sql
var schema string

// NewPostgres returns the shared DB connection.
func NewPostgres(dsn string, maxOpenConns int) (*sql.DB, error) {
	return libdb.NewPostgresDB(dsn, libdb.PoolOptions{MaxOpenConns: maxOpenConns})
}

// Migrate creates missing tables. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
