package pipeline

import (
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/google/uuid"
)

// DefaultDataSourceType is recorded when a submission does not name one.
const DefaultDataSourceType = "csv"

// Submission is a set of already validated rows a caller wants to commit.
type Submission struct {
	Records        []domain.TransactionRecord
	FileName       string
	DataSourceType string
}

// DateRange spans the earliest and latest transaction dates, as YYYY-MM-DD.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Summary describes what a submission contained and how much of it landed.
type Summary struct {
	TotalRows     int       `json:"totalRows"`
	ProcessedRows int       `json:"processedRows"`
	FailedRows    int       `json:"failedRows"`
	Categories    []string  `json:"categories"`
	DateRange     DateRange `json:"dateRange"`
}

// Result is returned for every submission that reached the store. Success
// stays true when some batches failed; the discrepancy shows in Summary and
// Batches.
type Result struct {
	Success        bool                 `json:"success"`
	DataSourceID   uuid.UUID            `json:"dataSourceId"`
	MetricsCreated int                  `json:"metricsCreated"`
	FileName       string               `json:"fileName"`
	Summary        Summary              `json:"summary"`
	Batches        *domain.BatchOutcome `json:"batches"`
}

// IngestResult pairs the validation report of a file with the outcome of
// committing its accepted rows.
type IngestResult struct {
	Upload *domain.UploadResult `json:"upload"`
	Submit *Result              `json:"submit"`
}
