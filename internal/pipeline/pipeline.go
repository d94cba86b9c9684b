// Package pipeline commits validated rows for a principal: it provisions the
// tenant, records the upload, persists metrics in batches and reports what
// landed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/metrics"
	"github.com/dvloznov/smeinsight/internal/persist"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptySubmission is returned when a submission carries no records.
	ErrEmptySubmission = errors.New("pipeline: submission has no records")

	// ErrMissingFileName is returned when a submission does not name its file.
	ErrMissingFileName = errors.New("pipeline: file name is required")
)

// Config tunes a Service.
type Config struct {
	MaxFileSize int64
	Batch       persist.Config
}

// Service runs submissions against a store.
type Service struct {
	store        Store
	orchestrator *ingest.Orchestrator
	resolver     *tenant.Resolver
	batcher      *persist.Batcher
	log          zerolog.Logger
	now          func() time.Time
}

// NewService wires a Service onto s.
func NewService(s Store, cfg Config, log zerolog.Logger) *Service {
	resolver := tenant.NewResolver(s, log)
	resolver.OnProvisioned = func(uuid.UUID) { metrics.TenantsProvisioned.Inc() }

	return &Service{
		store:        s,
		orchestrator: ingest.NewOrchestrator(cfg.MaxFileSize),
		resolver:     resolver,
		batcher:      persist.NewBatcher(s, cfg.Batch, log),
		log:          log,
		now:          time.Now,
	}
}

// Orchestrator returns the validator used by IngestFile.
func (s *Service) Orchestrator() *ingest.Orchestrator {
	return s.orchestrator
}

// Submit persists sub's records for principal.
//
// Errors are returned only when nothing was persisted: invalid input, a
// tenant that could not be provisioned, a data source that could not be
// created, or a context cancelled before the first write. Once writes have
// started the call always returns a Result, possibly with failed batches.
func (s *Service) Submit(ctx context.Context, principal string, sub Submission) (*Result, error) {
	if len(sub.Records) == 0 {
		return nil, ErrEmptySubmission
	}
	if strings.TrimSpace(sub.FileName) == "" {
		return nil, ErrMissingFileName
	}

	start := s.now()
	state := &PipelineState{Principal: principal, Submission: sub}

	p := NewPipeline(s.log,
		&ResolveTenantStep{resolver: s.resolver},
		&CreateDataSourceStep{store: s.store, now: s.now},
		&PersistMetricsStep{batcher: s.batcher},
		&RecordSyncStep{store: s.store, now: s.now, log: s.log},
		&SummarizeStep{},
	)
	if err := p.Execute(ctx, state); err != nil {
		if state.DataSource != nil && !state.PersistStarted {
			s.discardDataSource(ctx, state)
		}
		return nil, fmt.Errorf("Submit: %w", err)
	}

	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	s.log.Info().
		Str("tenant_id", state.TenantID.String()).
		Str("data_source_id", state.DataSource.ID.String()).
		Str("file_name", sub.FileName).
		Int("total_rows", state.Result.Summary.TotalRows).
		Int("metrics_created", state.Result.MetricsCreated).
		Msg("Submission processed")

	return state.Result, nil
}

// discardDataSource removes the data source of a submission that stopped
// before any metric was written.
func (s *Service) discardDataSource(ctx context.Context, state *PipelineState) {
	err := s.store.DeleteDataSource(context.WithoutCancel(ctx), state.TenantID, state.DataSource.ID)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("tenant_id", state.TenantID.String()).
			Str("data_source_id", state.DataSource.ID.String()).
			Msg("Failed to discard unused data source")
	}
}

// Validate runs the orchestrator over one file and counts the outcome. It
// writes nothing.
func (s *Service) Validate(fileName string, content []byte) (*domain.UploadResult, error) {
	upload, err := s.orchestrator.Process(fileName, content)
	if err != nil {
		var uerr *ingest.UploadError
		if errors.As(err, &uerr) {
			metrics.UploadsProcessed.WithLabelValues(string(uerr.Kind)).Inc()
			metrics.RowsValidated.WithLabelValues("rejected").Add(float64(rejectedRows(uerr.Errors)))
		}
		return nil, err
	}

	metrics.UploadsProcessed.WithLabelValues("accepted").Inc()
	metrics.RowsValidated.WithLabelValues("accepted").Add(float64(len(upload.AcceptedRows)))
	metrics.RowsValidated.WithLabelValues("rejected").Add(float64(upload.TotalRowCount - len(upload.AcceptedRows)))
	return upload, nil
}

// Check validates like Validate but leaves the upload counters alone. It is
// used when the same file will be validated again on the commit path.
func (s *Service) Check(fileName string, content []byte) (*domain.UploadResult, error) {
	return s.orchestrator.Process(fileName, content)
}

// rejectedRows counts the distinct rows named in errs.
func rejectedRows(errs []domain.ValidationError) int {
	rows := make(map[int]struct{}, len(errs))
	for _, e := range errs {
		rows[e.RowIndex] = struct{}{}
	}
	return len(rows)
}

// IngestFile validates a raw file and submits its accepted rows. A file that
// fails validation returns the *ingest.UploadError unchanged.
func (s *Service) IngestFile(ctx context.Context, principal, fileName string, content []byte, sourceType string) (*IngestResult, error) {
	upload, err := s.Validate(fileName, content)
	if err != nil {
		return nil, err
	}

	result, err := s.Submit(ctx, principal, Submission{
		Records:        upload.AcceptedRows,
		FileName:       upload.FileName,
		DataSourceType: sourceType,
	})
	if err != nil {
		return nil, fmt.Errorf("IngestFile: %w", err)
	}

	return &IngestResult{Upload: upload, Submit: result}, nil
}

// DataSources lists the principal's uploads, newest first. It never
// provisions a tenant; an unknown principal simply has none.
func (s *Service) DataSources(ctx context.Context, principal string) ([]domain.DataSourceRecord, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, tenant.ErrEmptyPrincipal
	}

	sources, err := s.store.ListDataSources(ctx, tenant.DeriveID(principal))
	if err != nil {
		return nil, fmt.Errorf("DataSources: %w", err)
	}
	if sources == nil {
		sources = []domain.DataSourceRecord{}
	}
	return sources, nil
}
