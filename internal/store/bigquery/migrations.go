package bigquery

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smeinsight/internal/migrate"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded DDL with project and dataset filled in.
func Migrations(cfg Config) ([]migrate.Migration, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("Migrations: %w", err)
	}
	return migrate.Load(sub, map[string]string{
		"{{PROJECT_ID}}": cfg.ProjectID,
		"{{DATASET_ID}}": cfg.DatasetID,
	})
}

// Migrator returns a migrate.Executor bound to the store's client.
func (s *Store) Migrator() migrate.Executor {
	return &executor{s: s}
}

type executor struct {
	s *Store
}

func (e *executor) EnsureVersionTable(ctx context.Context) error {
	_, err := e.s.runDML(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, e.s.table("schema_migrations")), nil)
	if err != nil {
		return fmt.Errorf("EnsureVersionTable: %w", err)
	}
	return nil
}

func (e *executor) AppliedMigrations(ctx context.Context) ([]migrate.AppliedMigration, error) {
	q := e.s.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, e.s.table("schema_migrations")))

	it, err := q.Read(ctx)
	if err != nil {
		// The table may not be visible yet right after creation.
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("AppliedMigrations: query read: %w", err)
	}

	var applied []migrate.AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrations: iter next: %w", err)
		}
		applied = append(applied, migrate.AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// Apply runs the DDL then records it. BigQuery scripts are not transactional
// for DDL, which is why every statement uses IF NOT EXISTS.
func (e *executor) Apply(ctx context.Context, m migrate.Migration, appliedBy string) error {
	if _, err := e.s.runDML(ctx, m.SQL, nil); err != nil {
		return fmt.Errorf("Apply: executing: %w", err)
	}
	_, err := e.s.runDML(ctx, fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, e.s.table("schema_migrations")), []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
	if err != nil {
		return fmt.Errorf("Apply: recording: %w", err)
	}
	return nil
}
