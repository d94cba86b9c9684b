package pipeline

import (
	"github.com/dvloznov/smeinsight/internal/store"
)

// Store is the part of the backend a submission touches.
type Store interface {
	store.TenantStore
	store.MetricWriter
	store.DataSourceStore
}
