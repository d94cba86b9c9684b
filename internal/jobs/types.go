// Package jobs defines the asynchronous ingest job model and the queue
// contracts that move jobs from the API to workers.
package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeIngestFile validates and persists an archived upload.
	JobTypeIngestFile JobType = "ingest_file"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is scheduled again.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries is applied to jobs published without a retry budget.
const DefaultMaxRetries = 3

var (
	ErrJobNotFound = errors.New("jobs: job not found")
	ErrQueueClosed = errors.New("jobs: queue is closed")
)

// IngestFileJob ingests one archived upload on behalf of a principal.
type IngestFileJob struct {
	JobID string `json:"job_id"`

	// TenantID is the derived tenant id, used to scope job listings.
	TenantID string `json:"tenant_id"`

	// Principal is the authenticated caller. It is never serialized.
	Principal string `json:"-"`

	ArchiveURI     string `json:"archive_uri"`
	FileName       string `json:"file_name"`
	DataSourceType string `json:"data_source_type,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains a caller-safe description if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Result is set when the job completed.
	Result *JobResult `json:"result,omitempty"`
}

// JobResult summarizes a completed ingest.
type JobResult struct {
	DataSourceID   string `json:"data_source_id"`
	TotalRows      int    `json:"total_rows"`
	RejectedRows   int    `json:"rejected_rows"`
	MetricsCreated int    `json:"metrics_created"`
	FailedBatches  int    `json:"failed_batches"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *IngestFileJob) GetID() string        { return j.JobID }
func (j *IngestFileJob) GetType() JobType     { return JobTypeIngestFile }
func (j *IngestFileJob) GetStatus() JobStatus { return j.Status }

// Publisher enqueues jobs.
type Publisher interface {
	PublishIngestFile(ctx context.Context, job *IngestFileJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer runs jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs. The handler is called for each job.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error schedules a retry unless it
// is wrapped with Permanent or the retry budget is spent.
type JobHandler func(ctx context.Context, job *IngestFileJob) error

// JobStore keeps job state for status queries.
type JobStore interface {
	SaveJob(ctx context.Context, job *IngestFileJob) error

	// GetJob returns ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*IngestFileJob, error)

	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*IngestFileJob, error)

	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	TenantID string
	Status   JobStatus
	Limit    int
	Offset   int
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
