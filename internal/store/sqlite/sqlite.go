// Package sqlite is a single-file Store backend for local use and the CLI.
// Tenant scoping is done by filtering on tenant_id in every statement.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/migrate"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements store.Store on database/sql with the sqlite3 driver.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway database.
func New(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("New: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("New: opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("New: ping: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTenant implements the store.TenantStore interface.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var (
		t         = domain.Tenant{ID: id}
		settings  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, settings, created_at FROM tenants WHERE id = ?`, id.String(),
	).Scan(&t.Name, &settings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}

	t.Settings = json.RawMessage(settings)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}
	return &t, nil
}

// CreateTenant implements the store.TenantStore interface.
func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	settings := string(t.Settings)
	if settings == "" {
		settings = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, settings, created_at) VALUES (?, ?, ?, ?)`,
		t.ID.String(), t.Name, settings, formatTime(orNow(t.CreatedAt)),
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("CreateTenant: %w", err)
	}
	return nil
}

// InsertMetrics writes records in one transaction.
func (s *Store) InsertMetrics(ctx context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := store.CheckTenant(tenantID, records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertMetrics: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics (id, tenant_id, data_source_id, name, value, unit, category, timestamp, source, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("InsertMetrics: prepare: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range records {
		metadata := []byte("{}")
		if r.Metadata != nil {
			if metadata, err = json.Marshal(r.Metadata); err != nil {
				return fmt.Errorf("InsertMetrics: encoding metadata: %w", err)
			}
		}

		var dataSourceID any
		if r.DataSourceID != uuid.Nil {
			dataSourceID = r.DataSourceID.String()
		}

		_, err := stmt.ExecContext(ctx,
			r.ID.String(), tenantID.String(), dataSourceID, r.Name, r.Value.String(), r.Unit,
			string(r.Category), formatTime(r.Timestamp), r.Source, string(metadata), now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("InsertMetrics: %w", store.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("InsertMetrics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertMetrics: commit: %w", err)
	}
	return nil
}

// CategoryTotals sums in decimal rather than SQL so amounts keep full precision.
func (s *Store) CategoryTotals(ctx context.Context, tenantID uuid.UUID) ([]domain.CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, value FROM metrics WHERE tenant_id = ? ORDER BY category`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("CategoryTotals: %w", err)
	}
	defer rows.Close()

	var totals []domain.CategoryTotal
	for rows.Next() {
		var category, value string
		if err := rows.Scan(&category, &value); err != nil {
			return nil, fmt.Errorf("CategoryTotals: scan: %w", err)
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("CategoryTotals: value %q: %w", value, err)
		}

		c := domain.MetricCategory(category)
		if n := len(totals); n == 0 || totals[n-1].Category != c {
			totals = append(totals, domain.CategoryTotal{Category: c, Total: decimal.Zero})
		}
		last := &totals[len(totals)-1]
		last.Total = last.Total.Add(d)
		last.Count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("CategoryTotals: %w", err)
	}
	return totals, nil
}

// CreateDataSource implements the store.DataSourceStore interface.
func (s *Store) CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error {
	var lastSync any
	if ds.LastSyncAt != nil {
		lastSync = formatTime(*ds.LastSyncAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, tenant_id, name, type, is_active, row_count, last_sync_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID.String(), ds.TenantID.String(), ds.Name, ds.Type, ds.IsActive, ds.RowCount, lastSync,
		formatTime(orNow(ds.CreatedAt)),
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("CreateDataSource: %w", err)
	}
	return nil
}

// UpdateDataSourceSync implements the store.DataSourceStore interface.
func (s *Store) UpdateDataSourceSync(ctx context.Context, tenantID, id uuid.UUID, rowCount int, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET row_count = ?, last_sync_at = ? WHERE tenant_id = ? AND id = ?`,
		rowCount, formatTime(syncedAt), tenantID.String(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("UpdateDataSourceSync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateDataSourceSync: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteDataSource implements the store.DataSourceStore interface.
func (s *Store) DeleteDataSource(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM data_sources WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("DeleteDataSource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteDataSource: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListDataSources implements the store.DataSourceStore interface.
func (s *Store) ListDataSources(ctx context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, is_active, row_count, last_sync_at, created_at
		FROM data_sources
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("ListDataSources: %w", err)
	}
	defer rows.Close()

	var out []domain.DataSourceRecord
	for rows.Next() {
		var (
			id, createdAt string
			lastSync      sql.NullString
			ds            = domain.DataSourceRecord{TenantID: tenantID}
		)
		if err := rows.Scan(&id, &ds.Name, &ds.Type, &ds.IsActive, &ds.RowCount, &lastSync, &createdAt); err != nil {
			return nil, fmt.Errorf("ListDataSources: scan: %w", err)
		}
		if ds.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ListDataSources: id: %w", err)
		}
		if ds.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("ListDataSources: %w", err)
		}
		if lastSync.Valid {
			t, err := parseTime(lastSync.String)
			if err != nil {
				return nil, fmt.Errorf("ListDataSources: %w", err)
			}
			ds.LastSyncAt = &t
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListDataSources: %w", err)
	}
	return out, nil
}

// Migrations returns the embedded schema migrations.
func Migrations() ([]migrate.Migration, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("Migrations: %w", err)
	}
	return migrate.Load(sub, nil)
}

// Migrator returns a migrate.Executor bound to the database.
func (s *Store) Migrator() migrate.Executor {
	return &executor{db: s.db}
}

type executor struct {
	db *sql.DB
}

func (e *executor) EnsureVersionTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL,
			checksum    TEXT,
			applied_by  TEXT
		)`)
	if err != nil {
		return fmt.Errorf("EnsureVersionTable: %w", err)
	}
	return nil
}

func (e *executor) AppliedMigrations(ctx context.Context) ([]migrate.AppliedMigration, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: %w", err)
	}
	defer rows.Close()

	var applied []migrate.AppliedMigration
	for rows.Next() {
		var (
			am        migrate.AppliedMigration
			appliedAt string
		)
		if err := rows.Scan(&am.Version, &am.Name, &appliedAt, &am.Checksum, &am.AppliedBy); err != nil {
			return nil, fmt.Errorf("AppliedMigrations: scan: %w", err)
		}
		am.AppliedAt, _ = parseTime(appliedAt)
		applied = append(applied, am)
	}
	return applied, rows.Err()
}

func (e *executor) Apply(ctx context.Context, m migrate.Migration, appliedBy string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Apply: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("Apply: executing: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at, checksum, applied_by) VALUES (?, ?, ?, ?, ?)`,
		m.Version, m.Name, formatTime(time.Now()), m.Checksum, appliedBy,
	); err != nil {
		return fmt.Errorf("Apply: recording: %w", err)
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var _ store.Store = (*Store)(nil)
