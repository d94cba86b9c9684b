// Package postgres is the primary Store backend. Tenant isolation relies on
// row-level security: every transaction sets app.tenant_id before touching a
// tenant-owned table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("New: parsing dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("New: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("New: ping: %w", err)
	}

	return NewWithPool(pool, log), nil
}

// NewWithPool wraps an existing pool. The Store takes ownership of it.
func NewWithPool(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTenant runs fn in a transaction scoped to tenantID.
func (s *Store) inTenant(ctx context.Context, tenantID uuid.UUID, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID.String()); err != nil {
			return fmt.Errorf("setting tenant scope: %w", err)
		}
		return fn(tx)
	})
}

// GetTenant reads a tenant under its own row-level security scope.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var (
		t        domain.Tenant
		settings []byte
	)
	err := s.inTenant(ctx, id, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT name, settings, created_at FROM tenants WHERE id = $1`,
			pgUUID(id),
		).Scan(&t.Name, &settings, &t.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}

	t.ID = id
	t.Settings = json.RawMessage(settings)
	return &t, nil
}

// CreateTenant implements the store.TenantStore interface.
func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	settings := []byte(t.Settings)
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := s.inTenant(ctx, t.ID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO tenants (id, name, settings, created_at) VALUES ($1, $2, $3, $4)`,
			pgUUID(t.ID), t.Name, settings, createdAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("CreateTenant: %w", err)
	}
	return nil
}

const insertMetricSQL = `
	INSERT INTO metrics (id, tenant_id, data_source_id, name, value, unit, category, "timestamp", source, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7::metric_category, $8, $9, $10)`

// InsertMetrics queues one INSERT per record in a single pgx batch inside one
// transaction, so the records land together or not at all.
func (s *Store) InsertMetrics(ctx context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := store.CheckTenant(tenantID, records); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("InsertMetrics: encoding metadata: %w", err)
		}
		if r.Metadata == nil {
			metadata = []byte("{}")
		}
		batch.Queue(insertMetricSQL,
			pgUUID(r.ID),
			pgUUID(tenantID),
			nullableUUID(r.DataSourceID),
			r.Name,
			toNumeric(r.Value),
			r.Unit,
			string(r.Category),
			r.Timestamp,
			r.Source,
			metadata,
		)
	}

	err := s.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("InsertMetrics: %w", store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("InsertMetrics: %w", err)
	}
	return nil
}

// CategoryTotals sums the tenant's metrics per category in SQL.
func (s *Store) CategoryTotals(ctx context.Context, tenantID uuid.UUID) ([]domain.CategoryTotal, error) {
	var totals []domain.CategoryTotal
	err := s.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT category::text, COALESCE(SUM(value), 0), COUNT(*)
			FROM metrics
			WHERE tenant_id = $1
			GROUP BY category
			ORDER BY category::text`,
			pgUUID(tenantID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				category string
				total    pgtype.Numeric
				count    int64
			)
			if err := rows.Scan(&category, &total, &count); err != nil {
				return err
			}
			totals = append(totals, domain.CategoryTotal{
				Category: domain.MetricCategory(category),
				Total:    fromNumeric(total),
				Count:    int(count),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("CategoryTotals: %w", err)
	}
	return totals, nil
}

// CreateDataSource implements the store.DataSourceStore interface.
func (s *Store) CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error {
	createdAt := ds.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := s.inTenant(ctx, ds.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO data_sources (id, tenant_id, name, type, is_active, row_count, last_sync_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pgUUID(ds.ID), pgUUID(ds.TenantID), ds.Name, ds.Type, ds.IsActive, ds.RowCount, ds.LastSyncAt, createdAt,
		)
		return err
	})
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
	var affected int64
	err := s.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE data_sources SET row_count = $3, last_sync_at = $4 WHERE tenant_id = $1 AND id = $2`,
			pgUUID(tenantID), pgUUID(id), rowCount, syncedAt,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("UpdateDataSourceSync: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListDataSources implements the store.DataSourceStore interface.
func (s *Store) ListDataSources(ctx context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error) {
	var out []domain.DataSourceRecord
	err := s.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, name, type, is_active, row_count, last_sync_at, created_at
			FROM data_sources
			WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC`,
			pgUUID(tenantID),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id       pgtype.UUID
				rowCount int32
				ds       = domain.DataSourceRecord{TenantID: tenantID}
			)
			if err := rows.Scan(&id, &ds.Name, &ds.Type, &ds.IsActive, &rowCount, &ds.LastSyncAt, &ds.CreatedAt); err != nil {
				return err
			}
			ds.ID = uuid.UUID(id.Bytes)
			ds.RowCount = int(rowCount)
			out = append(out, ds)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ListDataSources: %w", err)
	}
	return out, nil
}

// DeleteDataSource implements the store.DataSourceStore interface.
func (s *Store) DeleteDataSource(ctx context.Context, tenantID, id uuid.UUID) error {
	var affected int64
	err := s.inTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM data_sources WHERE tenant_id = $1 AND id = $2`,
			pgUUID(tenantID), pgUUID(id),
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("DeleteDataSource: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ store.Store = (*Store)(nil)
