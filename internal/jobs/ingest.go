package jobs

import (
	"context"
	"errors"

	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/pipeline"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/rs/zerolog"
)

// Ingester commits a raw file for a principal.
type Ingester interface {
	IngestFile(ctx context.Context, principal, fileName string, content []byte, sourceType string) (*pipeline.IngestResult, error)
}

// publicError shows msg to callers and keeps err for logs and errors.Is.
type publicError struct {
	msg string
	err error
}

func (e *publicError) Error() string { return e.msg }
func (e *publicError) Unwrap() error { return e.err }

// NewIngestHandler returns a JobHandler that fetches the archived upload and
// runs it through the ingester. Input problems fail the job permanently;
// infrastructure failures are retried.
func NewIngestHandler(a archive.Archiver, svc Ingester, log zerolog.Logger) JobHandler {
	return func(ctx context.Context, job *IngestFileJob) error {
		log := log.With().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Logger()

		content, err := a.Fetch(ctx, job.ArchiveURI)
		if err != nil {
			log.Error().Err(err).Str("uri", job.ArchiveURI).Msg("Fetching archived upload failed")
			if errors.Is(err, archive.ErrNotFound) {
				return Permanent(&publicError{msg: "archived upload not found", err: err})
			}
			return &publicError{msg: "could not read archived upload", err: err}
		}

		res, err := svc.IngestFile(ctx, job.Principal, job.FileName, content, job.DataSourceType)
		if err != nil {
			var uerr *ingest.UploadError
			switch {
			case errors.As(err, &uerr):
				return Permanent(uerr)
			case errors.Is(err, tenant.ErrEmptyPrincipal),
				errors.Is(err, pipeline.ErrEmptySubmission),
				errors.Is(err, pipeline.ErrMissingFileName):
				return Permanent(err)
			}
			log.Error().Err(err).Msg("Ingest failed")
			return &publicError{msg: "ingestion failed", err: err}
		}

		job.Result = &JobResult{
			DataSourceID:   res.Submit.DataSourceID.String(),
			TotalRows:      res.Upload.TotalRowCount,
			RejectedRows:   res.Upload.TotalRowCount - len(res.Upload.AcceptedRows),
			MetricsCreated: res.Submit.MetricsCreated,
			FailedBatches:  len(res.Submit.Batches.Failed),
		}
		log.Info().
			Int("metrics_created", job.Result.MetricsCreated).
			Int("failed_batches", job.Result.FailedBatches).
			Str("file_name", job.FileName).
			Msg("Ingested file")
		return nil
	}
}
