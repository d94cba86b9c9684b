package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/dvloznov/smeinsight/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes a Queue.
type Config struct {
	// BufferSize is how many jobs can wait before PublishIngestFile blocks.
	BufferSize int

	// Workers is the number of concurrent consumers.
	Workers int

	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration

	// MaxRetries applies to jobs published without their own limit.
	MaxRetries int
}

// Queue is an in-memory Publisher and Consumer backed by a channel. It suits
// single-instance deployments and tests.
type Queue struct {
	cfg       Config
	jobChan   chan *jobs.IngestFileJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	log       zerolog.Logger
	closed    bool
}

// NewQueue creates a queue that records job state in store.
func NewQueue(cfg Config, store jobs.JobStore, log zerolog.Logger) *Queue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = jobs.DefaultMaxRetries
	}
	return &Queue{
		cfg:       cfg,
		jobChan:   make(chan *jobs.IngestFileJob, cfg.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		log:       log,
	}
}

// PublishIngestFile fills in defaults, saves the job and enqueues it.
func (q *Queue) PublishIngestFile(ctx context.Context, job *jobs.IngestFileJob) error {
	if q.isClosed() {
		return jobs.ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}

	if err := q.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("PublishIngestFile: save job: %w", err)
	}

	// Workers get their own copy so the caller may keep reading job.
	queued := *job
	select {
	case q.jobChan <- &queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return jobs.ErrQueueClosed
	}
}

// Start launches the configured number of workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	if q.isClosed() {
		return jobs.ErrQueueClosed
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.log.Info().Int("workers", q.cfg.Workers).Msg("Job queue started")
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job with retry logic.
func (q *Queue) processJob(ctx context.Context, job *jobs.IngestFileJob, handler jobs.JobHandler) {
	log := q.log.With().Str("job_id", job.JobID).Int("attempt", job.RetryCount+1).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = nil
	q.save(ctx, job)

	err := handler(ctx, job)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	var backoff time.Duration
	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Msg("Job completed")

	case !jobs.IsPermanent(err) && job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		backoff = time.Duration(job.RetryCount) * q.cfg.RetryDelay
		log.Warn().Err(err).Dur("backoff", backoff).Msg("Job failed, retrying")

	default:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Bool("permanent", jobs.IsPermanent(err)).Msg("Job failed")
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Status)).Inc()
	q.save(ctx, job)

	// The job belongs to the timer from here on.
	if job.Status == jobs.JobStatusRetrying {
		time.AfterFunc(backoff, func() { q.retry(job) })
	}
}

func (q *Queue) retry(job *jobs.IngestFileJob) {
	job.Status = jobs.JobStatusPending
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := q.PublishIngestFile(context.Background(), job); err != nil {
		job.Status = jobs.JobStatusFailed
		q.save(context.Background(), job)
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("Could not requeue job")
	}
}

func (q *Queue) save(ctx context.Context, job *jobs.IngestFileJob) {
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Stop closes the queue and waits for in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
