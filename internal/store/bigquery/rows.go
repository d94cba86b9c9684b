package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// numericScale is the fractional precision of a BigQuery NUMERIC column.
const numericScale = 9

type tenantRow struct {
	ID        string            `bigquery:"id"`
	Name      string            `bigquery:"name"`
	Settings  bigquery.NullJSON `bigquery:"settings"`
	CreatedAt time.Time         `bigquery:"created_at"`
}

type metricRow struct {
	ID           string              `bigquery:"id"`
	TenantID     string              `bigquery:"tenant_id"`
	DataSourceID bigquery.NullString `bigquery:"data_source_id"`
	Name         string              `bigquery:"name"`
	Value        *big.Rat            `bigquery:"value"`
	Unit         string              `bigquery:"unit"`
	Category     string              `bigquery:"category"`
	Timestamp    time.Time           `bigquery:"timestamp"`
	Source       string              `bigquery:"source"`
	Metadata     bigquery.NullJSON   `bigquery:"metadata"`
	CreatedAt    time.Time           `bigquery:"created_at"`
}

type dataSourceRow struct {
	ID         string                 `bigquery:"id"`
	TenantID   string                 `bigquery:"tenant_id"`
	Name       string                 `bigquery:"name"`
	Type       string                 `bigquery:"type"`
	IsActive   bool                   `bigquery:"is_active"`
	RowCount   int64                  `bigquery:"row_count"`
	LastSyncAt bigquery.NullTimestamp `bigquery:"last_sync_at"`
	CreatedAt  time.Time              `bigquery:"created_at"`
}

type categoryTotalRow struct {
	Category string   `bigquery:"category"`
	Total    *big.Rat `bigquery:"total"`
	Count    int64    `bigquery:"count"`
}

func newMetricRow(r domain.MetricRecord, now time.Time) (*metricRow, error) {
	row := &metricRow{
		ID:        r.ID.String(),
		TenantID:  r.TenantID.String(),
		Name:      r.Name,
		Value:     r.Value.Round(numericScale).Rat(),
		Unit:      r.Unit,
		Category:  string(r.Category),
		Timestamp: r.Timestamp.UTC(),
		Source:    r.Source,
		CreatedAt: now.UTC(),
	}
	if r.DataSourceID != uuid.Nil {
		row.DataSourceID = bigquery.NullString{StringVal: r.DataSourceID.String(), Valid: true}
	}
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		row.Metadata = bigquery.NullJSON{JSONVal: string(b), Valid: true}
	}
	return row, nil
}

func (r *tenantRow) toDomain() (*domain.Tenant, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant id: %w", err)
	}
	t := &domain.Tenant{ID: id, Name: r.Name, CreatedAt: r.CreatedAt}
	if r.Settings.Valid {
		t.Settings = json.RawMessage(r.Settings.JSONVal)
	}
	return t, nil
}

func (r *dataSourceRow) toDomain() (domain.DataSourceRecord, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.DataSourceRecord{}, fmt.Errorf("data source id: %w", err)
	}
	tenantID, err := uuid.Parse(r.TenantID)
	if err != nil {
		return domain.DataSourceRecord{}, fmt.Errorf("tenant id: %w", err)
	}
	ds := domain.DataSourceRecord{
		ID:        id,
		TenantID:  tenantID,
		Name:      r.Name,
		Type:      r.Type,
		IsActive:  r.IsActive,
		RowCount:  int(r.RowCount),
		CreatedAt: r.CreatedAt,
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Timestamp
		ds.LastSyncAt = &t
	}
	return ds, nil
}

func ratToDecimal(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}
