package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetricCategory is the closed set of categories the metrics store accepts.
type MetricCategory string

const (
	CategorySales      MetricCategory = "sales"
	CategoryFinance    MetricCategory = "finance"
	CategoryMarketing  MetricCategory = "marketing"
	CategoryOperations MetricCategory = "operations"
)

// DefaultCategory is used when a free-text category does not match the enum.
const DefaultCategory = CategorySales

// MetricCategories lists every enum member in declaration order.
var MetricCategories = []MetricCategory{
	CategorySales,
	CategoryFinance,
	CategoryMarketing,
	CategoryOperations,
}

// ParseMetricCategory matches s case-insensitively against the enum.
func ParseMetricCategory(s string) (MetricCategory, bool) {
	normalized := MetricCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range MetricCategories {
		if c == normalized {
			return c, true
		}
	}
	return "", false
}

// Tenant is the isolation unit every metric belongs to.
type Tenant struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
}

// MetricRecord is one persisted metric derived from a TransactionRecord.
type MetricRecord struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	DataSourceID uuid.UUID       `json:"data_source_id"`
	Name         string          `json:"name"`
	Value        decimal.Decimal `json:"value"`
	Unit         string          `json:"unit"`
	Category     MetricCategory  `json:"category"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source"`
	Metadata     map[string]any  `json:"metadata"`
}

// DataSourceRecord tracks one upload event and its sync summary.
type DataSourceRecord struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	IsActive   bool       `json:"is_active"`
	RowCount   int        `json:"row_count"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CategoryTotal aggregates a tenant's metrics for one category.
type CategoryTotal struct {
	Category MetricCategory  `json:"category"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}
