package persist

import (
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/google/uuid"
)

const (
	// DefaultMetricName is used for rows without a description.
	DefaultMetricName = "transaction"

	// MetricUnit is the unit recorded for every transaction amount.
	MetricUnit = "currency"
)

// Metadata keys written alongside each metric.
const (
	MetaOriginalCategory = "originalCategory"
	MetaCategoryRemapped = "categoryRemapped"
	MetaDescription      = "description"
	MetaCustomer         = "customer"
	MetaProduct          = "product"
)

// dateLayouts are tried in order. Slash dates are read month first.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate turns a validated date string into a UTC instant. Dates without
// a time of day become midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// MapCategory matches free text against the metric category enum. Unmatched
// non-empty text falls back to domain.DefaultCategory and reports remapped.
func MapCategory(raw string) (category domain.MetricCategory, remapped bool) {
	if strings.TrimSpace(raw) == "" {
		return domain.DefaultCategory, false
	}
	if c, ok := domain.ParseMetricCategory(raw); ok {
		return c, false
	}
	return domain.DefaultCategory, true
}

// ToMetricRecord converts one validated row. It fails only when the date
// cannot be parsed.
func ToMetricRecord(tenantID, dataSourceID uuid.UUID, source string, rec domain.TransactionRecord) (domain.MetricRecord, bool, error) {
	ts, err := ParseDate(rec.Date)
	if err != nil {
		return domain.MetricRecord{}, false, err
	}

	category, remapped := MapCategory(rec.Category)

	metadata := make(map[string]any)
	if remapped {
		metadata[MetaOriginalCategory] = rec.Category
		metadata[MetaCategoryRemapped] = true
	}
	if rec.Description != "" {
		metadata[MetaDescription] = rec.Description
	}
	if rec.Customer != "" {
		metadata[MetaCustomer] = rec.Customer
	}
	if rec.Product != "" {
		metadata[MetaProduct] = rec.Product
	}

	name := rec.Description
	if name == "" {
		name = DefaultMetricName
	}

	return domain.MetricRecord{
		ID:           uuid.New(),
		TenantID:     tenantID,
		DataSourceID: dataSourceID,
		Name:         name,
		Value:        rec.Amount,
		Unit:         MetricUnit,
		Category:     category,
		Timestamp:    ts,
		Source:       source,
		Metadata:     metadata,
	}, remapped, nil
}
