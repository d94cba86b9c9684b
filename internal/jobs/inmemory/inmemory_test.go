package inmemory

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(store *Store) *Queue {
	return NewQueue(Config{BufferSize: 10, Workers: 2, RetryDelay: time.Millisecond}, store, zerolog.New(io.Discard))
}

func waitForStatus(t *testing.T, store *Store, id string, want jobs.JobStatus) *jobs.IngestFileJob {
	t.Helper()
	var job *jobs.IngestFileJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_CompletesJob(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(store)
	defer q.Close()

	require.NoError(t, q.Start(ctx, func(_ context.Context, job *jobs.IngestFileJob) error {
		job.Result = &jobs.JobResult{MetricsCreated: 3}
		return nil
	}))

	job := &jobs.IngestFileJob{TenantID: "t1", FileName: "a.csv"}
	require.NoError(t, q.PublishIngestFile(ctx, job))
	assert.NotEmpty(t, job.JobID)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 3, done.Result.MetricsCreated)
	assert.Equal(t, jobs.DefaultMaxRetries, done.MaxRetries)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(store)
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.IngestFileJob) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	job := &jobs.IngestFileJob{FileName: "a.csv"}
	require.NoError(t, q.PublishIngestFile(ctx, job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Empty(t, done.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(store)
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.IngestFileJob) error {
		calls.Add(1)
		return errors.New("still down")
	}))

	job := &jobs.IngestFileJob{FileName: "a.csv", MaxRetries: 2}
	require.NoError(t, q.PublishIngestFile(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "still down", failed.Error)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_PermanentErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	q := newTestQueue(store)
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.IngestFileJob) error {
		calls.Add(1)
		return jobs.Permanent(errors.New("bad file"))
	}))

	job := &jobs.IngestFileJob{FileName: "a.csv"}
	require.NoError(t, q.PublishIngestFile(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Zero(t, failed.RetryCount)
	assert.Equal(t, "bad file", failed.Error)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_Closed(t *testing.T) {
	q := newTestQueue(NewStore())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.PublishIngestFile(context.Background(), &jobs.IngestFileJob{})
	assert.ErrorIs(t, err, jobs.ErrQueueClosed)

	err = q.Start(context.Background(), func(context.Context, *jobs.IngestFileJob) error { return nil })
	assert.ErrorIs(t, err, jobs.ErrQueueClosed)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, tenantID := range []string{"a", "b", "a"} {
		require.NoError(t, s.SaveJob(ctx, &jobs.IngestFileJob{
			JobID:     string(rune('1' + i)),
			TenantID:  tenantID,
			Status:    jobs.JobStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	assert.Error(t, s.SaveJob(ctx, &jobs.IngestFileJob{}))

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	list, err := s.ListJobs(ctx, jobs.JobFilter{TenantID: "a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "3", list[0].JobID, "newest first")
	assert.Equal(t, "1", list[1].JobID)

	list, err = s.ListJobs(ctx, jobs.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].JobID)

	list, err = s.ListJobs(ctx, jobs.JobFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.UpdateJobStatus(ctx, "2", jobs.JobStatusFailed, "boom"))
	job, err := s.GetJob(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)

	job.Status = jobs.JobStatusCompleted
	again, err := s.GetJob(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, again.Status, "stored copy is isolated")

	assert.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), jobs.ErrJobNotFound)
}
