package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/migrate"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	for _, in := range []string{"0", "250.00", "-3.14159", "123456789012345678901234.5"} {
		t.Run(in, func(t *testing.T) {
			d := decimal.RequireFromString(in)
			assert.True(t, d.Equal(fromNumeric(toNumeric(d))))
		})
	}
}

func TestNullableUUID(t *testing.T) {
	assert.False(t, nullableUUID(uuid.Nil).Valid)
	id := uuid.New()
	got := nullableUUID(id)
	assert.True(t, got.Valid)
	assert.Equal(t, [16]byte(id), got.Bytes)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Equal(t, "row_level_security", migrations[1].Name)
	assert.Contains(t, migrations[1].SQL, "FORCE ROW LEVEL SECURITY")
}

// The remaining tests need a disposable database. The connecting role must not
// bypass row-level security.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SMEI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SMEI_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	migrations, err := Migrations()
	require.NoError(t, err)
	_, err = migrate.Run(ctx, s.Migrator(), migrations, "test", zerolog.New(io.Discard))
	require.NoError(t, err)
	return s
}

func TestStore_Integration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tenantID := uuid.New()
	require.NoError(t, s.CreateTenant(ctx, &domain.Tenant{ID: tenantID, Name: "acme"}))
	assert.ErrorIs(t, s.CreateTenant(ctx, &domain.Tenant{ID: tenantID, Name: "acme"}), store.ErrConflict)

	got, err := s.GetTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)

	_, err = s.GetTenant(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	ds := &domain.DataSourceRecord{ID: uuid.New(), TenantID: tenantID, Name: "sales.csv", Type: "csv", IsActive: true}
	require.NoError(t, s.CreateDataSource(ctx, ds))

	records := []domain.MetricRecord{
		{ID: uuid.New(), TenantID: tenantID, DataSourceID: ds.ID, Name: "Coffee", Value: decimal.RequireFromString("250.00"),
			Unit: "currency", Category: domain.CategorySales, Timestamp: time.Now().UTC(), Source: "sales.csv",
			Metadata: map[string]any{"originalCategory": "Misc"}},
		{ID: uuid.New(), TenantID: tenantID, DataSourceID: ds.ID, Name: "Rent", Value: decimal.RequireFromString("-1200"),
			Unit: "currency", Category: domain.CategoryFinance, Timestamp: time.Now().UTC(), Source: "sales.csv"},
	}
	require.NoError(t, s.InsertMetrics(ctx, tenantID, records))

	dup := []domain.MetricRecord{records[0], {ID: uuid.New(), TenantID: tenantID, Name: "x", Value: decimal.NewFromInt(1),
		Unit: "currency", Category: domain.CategorySales, Timestamp: time.Now().UTC(), Source: "x"}}
	assert.ErrorIs(t, s.InsertMetrics(ctx, tenantID, dup), store.ErrConflict)

	totals, err := s.CategoryTotals(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, domain.CategoryFinance, totals[0].Category)
	assert.Equal(t, 1, totals[1].Count, "failed batch must leave no rows")

	require.NoError(t, s.UpdateDataSourceSync(ctx, tenantID, ds.ID, 2, time.Now().UTC()))
	assert.ErrorIs(t, s.UpdateDataSourceSync(ctx, uuid.New(), ds.ID, 2, time.Now().UTC()), store.ErrNotFound)

	list, err := s.ListDataSources(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].RowCount)
	assert.NotNil(t, list[0].LastSyncAt)

	other, err := s.ListDataSources(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other, "row-level security hides other tenants")

	empty := &domain.DataSourceRecord{ID: uuid.New(), TenantID: tenantID, Name: "empty.csv", Type: "csv", IsActive: true}
	require.NoError(t, s.CreateDataSource(ctx, empty))
	assert.ErrorIs(t, s.DeleteDataSource(ctx, uuid.New(), empty.ID), store.ErrNotFound)
	require.NoError(t, s.DeleteDataSource(ctx, tenantID, empty.ID))
	list, err = s.ListDataSources(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
