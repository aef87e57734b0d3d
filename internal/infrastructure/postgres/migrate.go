package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Automigrate applies the embedded schema migration. It is idempotent via
// IF NOT EXISTS / CREATE TYPE guards in the migration file itself: run on
// every boot, not tracked against a schema_migrations table, since there is
// exactly one migration.
func Automigrate(ctx context.Context, pool *pgxpool.Pool) error {
	sql, err := migrationFiles.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}
