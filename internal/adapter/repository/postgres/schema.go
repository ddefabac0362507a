package postgres

import (
	"context"
	"database/sql"
	_ "embed"
)

// schemaSQL is embedded so the consumer can bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies schema.sql. Safe to run multiple times.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}
