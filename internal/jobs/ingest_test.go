package jobs

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/pipeline"
	"github.com/dvloznov/smeinsight/internal/store/memory"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingIngester struct{ err error }

func (f failingIngester) IngestFile(context.Context, string, string, []byte, string) (*pipeline.IngestResult, error) {
	return nil, f.err
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.ErrorIs(t, p, base)
	assert.Equal(t, "boom", p.Error())
}

func archived(t *testing.T, a *archive.MemoryArchiver, principal, name, content string) *IngestFileJob {
	t.Helper()
	id := tenant.DeriveID(principal)
	uri, err := a.Archive(context.Background(), id, name, []byte(content))
	require.NoError(t, err)
	return &IngestFileJob{
		JobID:      uuid.NewString(),
		TenantID:   id.String(),
		Principal:  principal,
		ArchiveURI: uri,
		FileName:   name,
	}
}

func TestIngestHandler(t *testing.T) {
	st := memory.New()
	a := archive.NewMemoryArchiver()
	svc := pipeline.NewService(st, pipeline.Config{}, zerolog.New(io.Discard))
	handler := NewIngestHandler(a, svc, zerolog.New(io.Discard))

	job := archived(t, a, "user-1", "sales.csv", "date,amount,category\n2024-01-15,250,Misc\n2024-01-16,x,sales\n")
	require.NoError(t, handler(context.Background(), job))

	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.TotalRows)
	assert.Equal(t, 1, job.Result.RejectedRows)
	assert.Equal(t, 1, job.Result.MetricsCreated)
	assert.Zero(t, job.Result.FailedBatches)
	assert.Len(t, st.Metrics(tenant.DeriveID("user-1")), 1)
}

func TestIngestHandler_Failures(t *testing.T) {
	a := archive.NewMemoryArchiver()
	svc := pipeline.NewService(memory.New(), pipeline.Config{}, zerolog.New(io.Discard))

	tests := []struct {
		name          string
		ingester      Ingester
		job           *IngestFileJob
		wantPermanent bool
		wantMessage   string
	}{
		{
			name:          "archive missing",
			ingester:      svc,
			job:           &IngestFileJob{Principal: "p", ArchiveURI: "mem://local/gone.csv", FileName: "gone.csv"},
			wantPermanent: true,
			wantMessage:   "archived upload not found",
		},
		{
			name:          "invalid file",
			ingester:      svc,
			job:           archived(t, a, "p", "bad.csv", "name\nx\n"),
			wantPermanent: true,
		},
		{
			name:          "store outage",
			ingester:      failingIngester{err: errors.New("dial tcp 10.0.0.1:5432: connection refused")},
			job:           archived(t, a, "p", "ok.csv", "date,amount\n2024-01-01,1\n"),
			wantPermanent: false,
			wantMessage:   "ingestion failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewIngestHandler(a, tt.ingester, zerolog.New(io.Discard))(context.Background(), tt.job)
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, IsPermanent(err))
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, err.Error())
			}
			assert.Nil(t, tt.job.Result)
		})
	}

	err := NewIngestHandler(a, svc, zerolog.New(io.Discard))(context.Background(), archived(t, a, "p", "bad.csv", "name\nx\n"))
	assert.ErrorIs(t, err, ingest.ErrMissingRequiredColumns)
}
