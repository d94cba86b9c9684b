// Package store defines the persistence contract shared by every backend.
//
// Every tenant-owned call takes the tenant id explicitly. Backends that
// support row-level security scope each transaction to that id; the others
// filter on it in every statement.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// TenantStore reads and provisions tenants.
type TenantStore interface {
	// GetTenant returns ErrNotFound when the tenant does not exist.
	GetTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)

	// CreateTenant returns ErrConflict when a tenant with the same id exists.
	CreateTenant(ctx context.Context, t *domain.Tenant) error
}

// MetricWriter persists metric records.
type MetricWriter interface {
	// InsertMetrics writes all records or none of them. Every record must
	// belong to tenantID.
	InsertMetrics(ctx context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error
}

// MetricReader aggregates stored metrics.
type MetricReader interface {
	// CategoryTotals returns per-category sums ordered by category.
	CategoryTotals(ctx context.Context, tenantID uuid.UUID) ([]domain.CategoryTotal, error)
}

// DataSourceStore tracks upload events.
type DataSourceStore interface {
	CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error

	// UpdateDataSourceSync records the persisted row count and sync time.
	UpdateDataSourceSync(ctx context.Context, tenantID, id uuid.UUID, rowCount int, syncedAt time.Time) error

	// ListDataSources returns the tenant's data sources, newest first.
	ListDataSources(ctx context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error)

	// DeleteDataSource removes a data source that never received metrics.
	// It returns ErrNotFound when the tenant has no such data source.
	DeleteDataSource(ctx context.Context, tenantID, id uuid.UUID) error
}

// Store is the full backend surface used by the application.
type Store interface {
	TenantStore
	MetricWriter
	MetricReader
	DataSourceStore

	// Close releases the backend's connections.
	Close() error
}

// CheckTenant verifies that every record belongs to tenantID.
func CheckTenant(tenantID uuid.UUID, records []domain.MetricRecord) error {
	for i := range records {
		if records[i].TenantID != tenantID {
			return errors.New("store: metric record belongs to a different tenant")
		}
	}
	return nil
}
