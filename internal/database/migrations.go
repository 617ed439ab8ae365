// Package database wires the goose migration runner against the pgx pool's
// DSN, grounded on the teacher's internal/infrastructure/migrations
// package with the backup/health sub-configs trimmed: this engine's
// migrations are version-controlled SQL files applied at deploy time, not
// an operator-facing CLI surface with its own backup scheduler.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// MigrationsFS holds the embedded SQL migration files, so the server and
// migrate binaries ship them without a separate deploy artifact.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator runs goose migrations against a DSN using database/sql (goose
// requires a *sql.DB, not a pgxpool.Pool).
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrator opens a database/sql connection for migrations. Call Close
// when finished; this is separate from the application's pgxpool.Pool.
func NewMigrator(dsn string, logger *slog.Logger) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	goose.SetBaseFS(MigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	return &Migrator{db: db, logger: logger}, nil
}

func (m *Migrator) Close() error { return m.db.Close() }

// Up applies every migration not yet recorded in goose_db_version.
func (m *Migrator) Up(ctx context.Context) error {
	if err := goose.UpContext(ctx, m.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := goose.DownContext(ctx, m.db, "migrations"); err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Status returns the current schema version.
func (m *Migrator) Status(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}
