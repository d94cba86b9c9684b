package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/dvloznov/smeinsight/internal/migrate"
	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() ([]migrate.Migration, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("Migrations: %w", err)
	}
	return migrate.Load(sub, nil)
}

// Migrator returns a migrate.Executor bound to the store's pool.
func (s *Store) Migrator() migrate.Executor {
	return &executor{s: s}
}

type executor struct {
	s *Store
}

func (e *executor) EnsureVersionTable(ctx context.Context) error {
	_, err := e.s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum    TEXT,
			applied_by  TEXT
		)`)
	if err != nil {
		return fmt.Errorf("EnsureVersionTable: %w", err)
	}
	return nil
}

func (e *executor) AppliedMigrations(ctx context.Context) ([]migrate.AppliedMigration, error) {
	rows, err := e.s.pool.Query(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations
		ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: %w", err)
	}

	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (migrate.AppliedMigration, error) {
		var (
			am      migrate.AppliedMigration
			version int32
		)
		err := row.Scan(&version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy)
		am.Version = int(version)
		return am, err
	})
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: %w", err)
	}
	return applied, nil
}

// Apply runs the migration and its bookkeeping row in one transaction.
func (e *executor) Apply(ctx context.Context, m migrate.Migration, appliedBy string) error {
	return pgx.BeginFunc(ctx, e.s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("executing: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, applied_by) VALUES ($1, $2, $3, $4)`,
			m.Version, m.Name, m.Checksum, appliedBy,
		)
		if err != nil {
			return fmt.Errorf("recording: %w", err)
		}
		return nil
	})
}
