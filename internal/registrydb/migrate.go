// Package registrydb runs the SQL schema migrations backing
// internal/registry/postgres, using goose exactly as the teacher's
// internal/database package drives migrations for its own Postgres
// schema.
package registrydb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
)

// MigrationsDir is the directory of goose-formatted SQL migrations
// relative to the repository root.
const MigrationsDir = "migrations"

// RunMigrations applies every pending migration against dsn. goose
// needs a database/sql handle; pgx/v5's stdlib adapter provides one
// without requiring a second driver import at call sites.
func RunMigrations(ctx context.Context, dsn string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("registrydb: open: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("registrydb: set dialect: %w", err)
	}

	logger.Info("running registry migrations", "dir", MigrationsDir)
	if err := goose.UpContext(ctx, db, MigrationsDir); err != nil {
		return fmt.Errorf("registrydb: migrate up: %w", err)
	}
	logger.Info("registry migrations complete")
	return nil
}

// Status reports the current migration version without applying
// anything, used by `guardctl registry status`.
func Status(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("registrydb: open: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("registrydb: set dialect: %w", err)
	}
	return goose.StatusContext(ctx, db, MigrationsDir)
}
