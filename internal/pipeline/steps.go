package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/persist"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PipelineStep represents a single step of a submission.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Principal  string
	Submission Submission

	TenantID   uuid.UUID
	DataSource *domain.DataSourceRecord

	// PersistStarted is set once the first metric write may have been issued.
	// From then on cancellation no longer aborts the pipeline.
	PersistStarted bool
	Outcome        *domain.BatchOutcome

	Result *Result
}

// Step 1: ResolveTenantStep derives the tenant and provisions it on first use.
type ResolveTenantStep struct {
	resolver *tenant.Resolver
}

func (s *ResolveTenantStep) Name() string { return "resolve_tenant" }

func (s *ResolveTenantStep) Execute(ctx context.Context, state *PipelineState) error {
	id, err := s.resolver.Resolve(ctx, state.Principal)
	if err != nil {
		return err
	}
	state.TenantID = id
	return nil
}

// Step 2: CreateDataSourceStep records the upload event.
type CreateDataSourceStep struct {
	store Store
	now   func() time.Time
}

func (s *CreateDataSourceStep) Name() string { return "create_data_source" }

func (s *CreateDataSourceStep) Execute(ctx context.Context, state *PipelineState) error {
	sourceType := state.Submission.DataSourceType
	if sourceType == "" {
		sourceType = DefaultDataSourceType
	}

	ds := &domain.DataSourceRecord{
		ID:        uuid.New(),
		TenantID:  state.TenantID,
		Name:      state.Submission.FileName,
		Type:      sourceType,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateDataSource(ctx, ds); err != nil {
		return fmt.Errorf("CreateDataSourceStep: %w", err)
	}
	state.DataSource = ds
	return nil
}

// Step 3: PersistMetricsStep writes the records in batches.
type PersistMetricsStep struct {
	batcher *persist.Batcher
}

func (s *PersistMetricsStep) Name() string { return "persist_metrics" }

func (s *PersistMetricsStep) Execute(ctx context.Context, state *PipelineState) error {
	outcome, err := s.batcher.Persist(ctx, persist.Request{
		TenantID:     state.TenantID,
		DataSourceID: state.DataSource.ID,
		Source:       state.Submission.FileName,
		Records:      state.Submission.Records,
	})
	if err != nil {
		return err
	}
	state.PersistStarted = true
	state.Outcome = outcome
	return nil
}

// Step 4: RecordSyncStep stores the persisted count on the data source. It is
// best-effort: a failure is logged and never fails the submission.
type RecordSyncStep struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func (s *RecordSyncStep) Name() string { return "record_sync" }

func (s *RecordSyncStep) Execute(ctx context.Context, state *PipelineState) error {
	syncedAt := s.now().UTC()
	err := s.store.UpdateDataSourceSync(context.WithoutCancel(ctx), state.TenantID, state.DataSource.ID, state.Outcome.Persisted, syncedAt)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("tenant_id", state.TenantID.String()).
			Str("data_source_id", state.DataSource.ID.String()).
			Msg("Failed to record data source sync")
		return nil
	}
	state.DataSource.RowCount = state.Outcome.Persisted
	state.DataSource.LastSyncAt = &syncedAt
	return nil
}

// Step 5: SummarizeStep builds the caller-facing result.
type SummarizeStep struct{}

func (s *SummarizeStep) Name() string { return "summarize" }

func (s *SummarizeStep) Execute(_ context.Context, state *PipelineState) error {
	state.Result = &Result{
		Success:        true,
		DataSourceID:   state.DataSource.ID,
		MetricsCreated: state.Outcome.Persisted,
		FileName:       state.Submission.FileName,
		Summary:        summarize(state.Submission.Records, state.Outcome),
		Batches:        state.Outcome,
	}
	return nil
}

func summarize(records []domain.TransactionRecord, outcome *domain.BatchOutcome) Summary {
	summary := Summary{
		TotalRows:     len(records),
		ProcessedRows: outcome.Persisted,
		FailedRows:    outcome.Requested - outcome.Persisted,
		Categories:    []string{},
	}

	seen := make(map[domain.MetricCategory]bool)
	var first, last time.Time
	for _, rec := range records {
		category, _ := persist.MapCategory(rec.Category)
		if !seen[category] {
			seen[category] = true
			summary.Categories = append(summary.Categories, string(category))
		}

		ts, err := persist.ParseDate(rec.Date)
		if err != nil {
			continue
		}
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if last.IsZero() || ts.After(last) {
			last = ts
		}
	}
	sort.Strings(summary.Categories)

	if !first.IsZero() {
		summary.DateRange = DateRange{Start: first.Format(time.DateOnly), End: last.Format(time.DateOnly)}
	}
	return summary
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
	log   zerolog.Logger
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(log zerolog.Logger, steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps, log: log}
}

// Execute runs all steps sequentially. Cancellation is honoured between steps
// until persistence has started.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if !state.PersistStarted {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("pipeline step %d (%s): %w", i+1, step.Name(), err)
			}
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
		p.log.Debug().Str("step", step.Name()).Msg("Pipeline step completed")
	}
	return nil
}
