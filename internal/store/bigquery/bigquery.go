// Package bigquery is an analytics-warehouse Store backend. BigQuery has no
// row-level policies here, so every statement filters on tenant_id.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

const (
	tenantsTable     = "tenants"
	dataSourcesTable = "data_sources"
	metricsTable     = "metrics"
)

// Config locates the dataset holding the tables.
type Config struct {
	ProjectID string
	DatasetID string
}

// Store implements store.Store with a shared BigQuery client.
type Store struct {
	client *bigquery.Client
	cfg    Config
	log    zerolog.Logger
}

// New creates a client for cfg.ProjectID.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.ProjectID == "" || cfg.DatasetID == "" {
		return nil, errors.New("New: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("New: creating client: %w", err)
	}
	return NewWithClient(client, cfg, log), nil
}

// NewWithClient wraps an existing client. The Store takes ownership of it.
func NewWithClient(client *bigquery.Client, cfg Config, log zerolog.Logger) *Store {
	return &Store{client: client, cfg: cfg, log: log}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) table(name string) string {
	return qualifiedTable(s.cfg, name)
}

func qualifiedTable(cfg Config, name string) string {
	return fmt.Sprintf("`%s.%s.%s`", cfg.ProjectID, cfg.DatasetID, name)
}

// runDML runs a statement and waits for it, returning the number of rows it
// changed.
func (s *Store) runDML(ctx context.Context, sql string, params []bigquery.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// GetTenant implements the store.TenantStore interface.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT id, name, settings, created_at
		FROM %s
		WHERE id = @id
		LIMIT 1
	`, s.table(tenantsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: id.String()}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetTenant: query read: %w", err)
	}

	var row tenantRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTenant: iter next: %w", err)
	}
	return row.toDomain()
}

// CreateTenant inserts with MERGE so concurrent creators cannot both succeed;
// the loser sees zero affected rows and gets store.ErrConflict.
func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	settings := string(t.Settings)
	if settings == "" {
		settings = "{}"
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	affected, err := s.runDML(ctx, fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @id AS id) S
		ON T.id = S.id
		WHEN NOT MATCHED THEN
		  INSERT (id, name, settings, created_at)
		  VALUES (@id, @name, SAFE.PARSE_JSON(@settings), @created_at)
	`, s.table(tenantsTable)), []bigquery.QueryParameter{
		{Name: "id", Value: t.ID.String()},
		{Name: "name", Value: t.Name},
		{Name: "settings", Value: settings},
		{Name: "created_at", Value: createdAt},
	})
	if err != nil {
		return fmt.Errorf("CreateTenant: %w", err)
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// InsertMetrics streams the records in one insert request. The record id is
// used as the insert id so a retried request does not duplicate rows.
func (s *Store) InsertMetrics(ctx context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := store.CheckTenant(tenantID, records); err != nil {
		return err
	}

	now := time.Now()
	savers := make([]*bigquery.StructSaver, 0, len(records))
	for _, r := range records {
		row, err := newMetricRow(r, now)
		if err != nil {
			return fmt.Errorf("InsertMetrics: %w", err)
		}
		savers = append(savers, &bigquery.StructSaver{Struct: row, InsertID: row.ID})
	}

	inserter := s.client.DatasetInProject(s.cfg.ProjectID, s.cfg.DatasetID).Table(metricsTable).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("InsertMetrics: inserting rows: %w", err)
	}
	return nil
}

// CategoryTotals aggregates the tenant's metrics in a query job.
func (s *Store) CategoryTotals(ctx context.Context, tenantID uuid.UUID) ([]domain.CategoryTotal, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT category, SUM(value) AS total, COUNT(*) AS count
		FROM %s
		WHERE tenant_id = @tenant_id
		GROUP BY category
		ORDER BY category
	`, s.table(metricsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "tenant_id", Value: tenantID.String()}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("CategoryTotals: query read: %w", err)
	}

	var totals []domain.CategoryTotal
	for {
		var row categoryTotalRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("CategoryTotals: iter next: %w", err)
		}
		total, err := ratToDecimal(row.Total)
		if err != nil {
			return nil, fmt.Errorf("CategoryTotals: total: %w", err)
		}
		totals = append(totals, domain.CategoryTotal{
			Category: domain.MetricCategory(row.Category),
			Total:    total,
			Count:    int(row.Count),
		})
	}
	return totals, nil
}

// CreateDataSource uses DML rather than streaming so the row can be updated
// straight away by UpdateDataSourceSync.
func (s *Store) CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error {
	createdAt := ds.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	lastSync := bigquery.NullTimestamp{}
	if ds.LastSyncAt != nil {
		lastSync = bigquery.NullTimestamp{Timestamp: *ds.LastSyncAt, Valid: true}
	}

	_, err := s.runDML(ctx, fmt.Sprintf(`
		INSERT %s (id, tenant_id, name, type, is_active, row_count, last_sync_at, created_at)
		VALUES (@id, @tenant_id, @name, @type, @is_active, @row_count, @last_sync_at, @created_at)
	`, s.table(dataSourcesTable)), []bigquery.QueryParameter{
		{Name: "id", Value: ds.ID.String()},
		{Name: "tenant_id", Value: ds.TenantID.String()},
		{Name: "name", Value: ds.Name},
		{Name: "type", Value: ds.Type},
		{Name: "is_active", Value: ds.IsActive},
		{Name: "row_count", Value: ds.RowCount},
		{Name: "last_sync_at", Value: lastSync},
		{Name: "created_at", Value: createdAt},
	})
	if err != nil {
		return fmt.Errorf("CreateDataSource: %w", err)
	}
	return nil
}

// UpdateDataSourceSync implements the store.DataSourceStore interface.
func (s *Store) UpdateDataSourceSync(ctx context.Context, tenantID, id uuid.UUID, rowCount int, syncedAt time.Time) error {
	affected, err := s.runDML(ctx, fmt.Sprintf(`
		UPDATE %s
		SET row_count = @row_count,
		    last_sync_at = @last_sync_at
		WHERE tenant_id = @tenant_id AND id = @id
	`, s.table(dataSourcesTable)), []bigquery.QueryParameter{
		{Name: "row_count", Value: rowCount},
		{Name: "last_sync_at", Value: syncedAt},
		{Name: "tenant_id", Value: tenantID.String()},
		{Name: "id", Value: id.String()},
	})
	if err != nil {
		return fmt.Errorf("UpdateDataSourceSync: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteDataSource removes a data source row with a DML statement.
func (s *Store) DeleteDataSource(ctx context.Context, tenantID, id uuid.UUID) error {
	affected, err := s.runDML(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE tenant_id = @tenant_id AND id = @id
	`, s.table(dataSourcesTable)), []bigquery.QueryParameter{
		{Name: "tenant_id", Value: tenantID.String()},
		{Name: "id", Value: id.String()},
	})
	if err != nil {
		return fmt.Errorf("DeleteDataSource: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListDataSources implements the store.DataSourceStore interface.
func (s *Store) ListDataSources(ctx context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT id, tenant_id, name, type, is_active, row_count, last_sync_at, created_at
		FROM %s
		WHERE tenant_id = @tenant_id
		ORDER BY created_at DESC, id DESC
	`, s.table(dataSourcesTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "tenant_id", Value: tenantID.String()}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListDataSources: query read: %w", err)
	}

	var out []domain.DataSourceRecord
	for {
		var row dataSourceRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListDataSources: iter next: %w", err)
		}
		ds, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListDataSources: %w", err)
		}
		out = append(out, ds)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
