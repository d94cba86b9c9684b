// Package memory is a process-local Store used for development and tests.
// It enforces the same uniqueness, referential and enum rules as the SQL
// backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps everything in maps guarded by a single mutex.
type Store struct {
	mu          sync.RWMutex
	tenants     map[uuid.UUID]domain.Tenant
	dataSources map[uuid.UUID]domain.DataSourceRecord
	metrics     map[uuid.UUID]domain.MetricRecord
	order       []uuid.UUID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants:     make(map[uuid.UUID]domain.Tenant),
		dataSources: make(map[uuid.UUID]domain.DataSourceRecord),
		metrics:     make(map[uuid.UUID]domain.MetricRecord),
	}
}

// GetTenant implements the store.TenantStore interface.
func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

// CreateTenant implements the store.TenantStore interface.
func (s *Store) CreateTenant(_ context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return store.ErrConflict
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tenants[t.ID] = cp
	return nil
}

// InsertMetrics implements the store.MetricWriter interface.
func (s *Store) InsertMetrics(_ context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error {
	if err := store.CheckTenant(tenantID, records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return fmt.Errorf("InsertMetrics: tenant %s: %w", tenantID, store.ErrNotFound)
	}

	// Validate the whole batch before touching state so a bad record leaves
	// nothing behind.
	seen := make(map[uuid.UUID]bool, len(records))
	for _, r := range records {
		if _, ok := domain.ParseMetricCategory(string(r.Category)); !ok {
			return fmt.Errorf("InsertMetrics: invalid category %q", r.Category)
		}
		if _, dup := s.metrics[r.ID]; dup || seen[r.ID] {
			return fmt.Errorf("InsertMetrics: metric %s: %w", r.ID, store.ErrConflict)
		}
		seen[r.ID] = true
		if r.DataSourceID != uuid.Nil {
			ds, ok := s.dataSources[r.DataSourceID]
			if !ok || ds.TenantID != tenantID {
				return fmt.Errorf("InsertMetrics: data source %s: %w", r.DataSourceID, store.ErrNotFound)
			}
		}
	}

	for _, r := range records {
		s.metrics[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return nil
}

// CategoryTotals implements the store.MetricReader interface.
func (s *Store) CategoryTotals(_ context.Context, tenantID uuid.UUID) ([]domain.CategoryTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := make(map[domain.MetricCategory]*domain.CategoryTotal)
	for _, id := range s.order {
		m := s.metrics[id]
		if m.TenantID != tenantID {
			continue
		}
		ct, ok := byCategory[m.Category]
		if !ok {
			ct = &domain.CategoryTotal{Category: m.Category, Total: decimal.Zero}
			byCategory[m.Category] = ct
		}
		ct.Total = ct.Total.Add(m.Value)
		ct.Count++
	}

	totals := make([]domain.CategoryTotal, 0, len(byCategory))
	for _, ct := range byCategory {
		totals = append(totals, *ct)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Category < totals[j].Category })
	return totals, nil
}

// CreateDataSource implements the store.DataSourceStore interface.
func (s *Store) CreateDataSource(_ context.Context, ds *domain.DataSourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[ds.TenantID]; !ok {
		return fmt.Errorf("CreateDataSource: tenant %s: %w", ds.TenantID, store.ErrNotFound)
	}
	if _, ok := s.dataSources[ds.ID]; ok {
		return store.ErrConflict
	}
	cp := *ds
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.dataSources[ds.ID] = cp
	return nil
}

// UpdateDataSourceSync implements the store.DataSourceStore interface.
func (s *Store) UpdateDataSourceSync(_ context.Context, tenantID, id uuid.UUID, rowCount int, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.dataSources[id]
	if !ok || ds.TenantID != tenantID {
		return store.ErrNotFound
	}
	ds.RowCount = rowCount
	t := syncedAt
	ds.LastSyncAt = &t
	s.dataSources[id] = ds
	return nil
}

// ListDataSources implements the store.DataSourceStore interface.
func (s *Store) ListDataSources(_ context.Context, tenantID uuid.UUID) ([]domain.DataSourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DataSourceRecord
	for _, ds := range s.dataSources {
		if ds.TenantID == tenantID {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteDataSource implements the store.DataSourceStore interface.
func (s *Store) DeleteDataSource(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.dataSources[id]
	if !ok || ds.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(s.dataSources, id)
	return nil
}

// Metrics returns a tenant's metrics in insertion order.
func (s *Store) Metrics(tenantID uuid.UUID) []domain.MetricRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.MetricRecord
	for _, id := range s.order {
		if m := s.metrics[id]; m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out
}

// TenantCount reports how many tenants exist.
func (s *Store) TenantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
