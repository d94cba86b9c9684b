package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/metrics"
	"github.com/dvloznov/smeinsight/internal/persist"
	"github.com/dvloznov/smeinsight/internal/store/memory"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails selected InsertMetrics calls (1-based) and, optionally,
// every sync update.
type flakyStore struct {
	*memory.Store

	mu          sync.Mutex
	inserts     int
	failInserts map[int]bool
	failSync    bool
	failCreate  bool
}

func (s *flakyStore) InsertMetrics(ctx context.Context, tenantID uuid.UUID, records []domain.MetricRecord) error {
	s.mu.Lock()
	s.inserts++
	fail := s.failInserts[s.inserts]
	s.mu.Unlock()
	if fail {
		return errors.New("deadline exceeded talking to primary")
	}
	return s.Store.InsertMetrics(ctx, tenantID, records)
}

func (s *flakyStore) UpdateDataSourceSync(ctx context.Context, tenantID, id uuid.UUID, rowCount int, syncedAt time.Time) error {
	if s.failSync {
		return errors.New("sync update failed")
	}
	return s.Store.UpdateDataSourceSync(ctx, tenantID, id, rowCount, syncedAt)
}

func (s *flakyStore) CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error {
	if s.failCreate {
		return errors.New("insert failed")
	}
	return s.Store.CreateDataSource(ctx, ds)
}

func newTestService(s Store, batchSize int) *Service {
	svc := NewService(s, Config{Batch: persist.Config{BatchSize: batchSize}}, zerolog.New(io.Discard))
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func records(n int) []domain.TransactionRecord {
	out := make([]domain.TransactionRecord, n)
	for i := range out {
		out[i] = domain.TransactionRecord{
			Date:     fmt.Sprintf("2024-01-%02d", i%28+1),
			Amount:   decimal.NewFromInt(10),
			Category: "finance",
		}
	}
	return out
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestService(st, 0)

	recs := []domain.TransactionRecord{
		{Date: "2024-01-20", Amount: decimal.RequireFromString("250.00"), Category: "Misc", Description: "Coffee sales"},
		{Date: "2024-01-15", Amount: decimal.RequireFromString("-40.5"), Category: "Marketing"},
		{Date: "2024-02-02", Amount: decimal.RequireFromString("99.99")},
	}

	res, err := svc.Submit(ctx, "user_123", Submission{Records: recs, FileName: "sales.csv"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.MetricsCreated)
	assert.Equal(t, "sales.csv", res.FileName)
	assert.Equal(t, Summary{
		TotalRows:     3,
		ProcessedRows: 3,
		FailedRows:    0,
		Categories:    []string{"marketing", "sales"},
		DateRange:     DateRange{Start: "2024-01-15", End: "2024-02-02"},
	}, res.Summary)

	tenantID := tenant.DeriveID("user_123")
	stored := st.Metrics(tenantID)
	require.Len(t, stored, 3)
	assert.Equal(t, domain.CategorySales, stored[0].Category)
	assert.Equal(t, "Misc", stored[0].Metadata[persist.MetaOriginalCategory])
	for _, m := range stored {
		assert.Equal(t, res.DataSourceID, m.DataSourceID)
	}

	sources, err := svc.DataSources(ctx, "user_123")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, res.DataSourceID, sources[0].ID)
	assert.Equal(t, "sales.csv", sources[0].Name)
	assert.Equal(t, DefaultDataSourceType, sources[0].Type)
	assert.Equal(t, 3, sources[0].RowCount)
	require.NotNil(t, sources[0].LastSyncAt)
}

func TestSubmit_PartialBatchFailure(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failInserts: map[int]bool{2: true}}
	svc := newTestService(st, 100)

	res, err := svc.Submit(context.Background(), "user_123", Submission{Records: records(150), FileName: "big.csv"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 100, res.MetricsCreated)
	assert.Equal(t, 150, res.Summary.TotalRows)
	assert.Equal(t, 100, res.Summary.ProcessedRows)
	assert.Equal(t, 50, res.Summary.FailedRows)
	require.Len(t, res.Batches.Failed, 1)
	assert.Equal(t, 100, res.Batches.Failed[0].Offset)

	sources, err := svc.DataSources(context.Background(), "user_123")
	require.NoError(t, err)
	assert.Equal(t, 100, sources[0].RowCount)
}

func TestSubmit_SyncFailureIsSwallowed(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failSync: true}
	svc := newTestService(st, 0)

	res, err := svc.Submit(context.Background(), "user_123", Submission{Records: records(2), FileName: "a.csv"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.MetricsCreated)
}

func TestSubmit_DataSourceFailureWritesNothing(t *testing.T) {
	st := &flakyStore{Store: memory.New(), failCreate: true}
	svc := newTestService(st, 0)

	_, err := svc.Submit(context.Background(), "user_123", Submission{Records: records(2), FileName: "a.csv"})
	require.Error(t, err)
	assert.Zero(t, st.inserts)
}

// cancelAfterCreate cancels the submission right after its data source is
// written.
type cancelAfterCreate struct {
	*memory.Store
	cancel context.CancelFunc
}

func (s *cancelAfterCreate) CreateDataSource(ctx context.Context, ds *domain.DataSourceRecord) error {
	err := s.Store.CreateDataSource(ctx, ds)
	s.cancel()
	return err
}

func TestSubmit_CancelledAfterDataSourceLeavesNoDataSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancelAfterCreate{Store: memory.New(), cancel: cancel}
	svc := newTestService(st, 0)

	_, err := svc.Submit(ctx, "user_123", Submission{Records: records(3), FileName: "a.csv"})
	assert.ErrorIs(t, err, context.Canceled)

	tenantID := tenant.DeriveID("user_123")
	list, err := st.ListDataSources(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, st.Metrics(tenantID))
}

func TestSubmit_InvalidInput(t *testing.T) {
	svc := newTestService(memory.New(), 0)

	_, err := svc.Submit(context.Background(), "user_123", Submission{FileName: "a.csv"})
	assert.ErrorIs(t, err, ErrEmptySubmission)

	_, err = svc.Submit(context.Background(), "user_123", Submission{Records: records(1), FileName: " "})
	assert.ErrorIs(t, err, ErrMissingFileName)

	_, err = svc.Submit(context.Background(), "", Submission{Records: records(1), FileName: "a.csv"})
	assert.ErrorIs(t, err, tenant.ErrEmptyPrincipal)
}

func TestSubmit_CancelledBeforeStart(t *testing.T) {
	st := memory.New()
	svc := newTestService(st, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Submit(ctx, "user_123", Submission{Records: records(3), FileName: "a.csv"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, st.TenantCount())
	assert.Empty(t, st.Metrics(tenant.DeriveID("user_123")))
}

func TestSubmit_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newTestService(st, 0)

	_, err := svc.Submit(ctx, "alice", Submission{Records: records(2), FileName: "a.csv"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "bob", Submission{Records: records(1), FileName: "b.csv"})
	require.NoError(t, err)

	assert.Len(t, st.Metrics(tenant.DeriveID("alice")), 2)
	assert.Len(t, st.Metrics(tenant.DeriveID("bob")), 1)

	sources, err := svc.DataSources(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.Equal(t, 2, st.TenantCount())
}

func TestIngestFile(t *testing.T) {
	st := memory.New()
	svc := newTestService(st, 0)

	csv := "Date,Amount,Category\n2024-01-15,250.00,Misc\n,12,sales\n2024-01-16,abc,sales\n2024-01-17,10,finance\n"
	res, err := svc.IngestFile(context.Background(), "user_123", "Sales.CSV", []byte(csv), "")
	require.NoError(t, err)

	assert.Equal(t, 4, res.Upload.TotalRowCount)
	assert.Len(t, res.Upload.AcceptedRows, 2)
	assert.Len(t, res.Upload.Errors, 2)
	assert.Equal(t, 2, res.Submit.MetricsCreated)
	assert.Equal(t, "Sales.CSV", res.Submit.FileName)
}

func TestCheck_DoesNotCountUploads(t *testing.T) {
	svc := newTestService(memory.New(), 0)
	accepted := metrics.UploadsProcessed.WithLabelValues("accepted")
	rows := metrics.RowsValidated.WithLabelValues("accepted")
	content := []byte("date,amount\n2024-01-15,1\n2024-01-16,2\n")

	uploads, validated := testutil.ToFloat64(accepted), testutil.ToFloat64(rows)
	res, err := svc.Check("a.csv", content)
	require.NoError(t, err)
	assert.Len(t, res.AcceptedRows, 2)
	assert.Equal(t, uploads, testutil.ToFloat64(accepted))
	assert.Equal(t, validated, testutil.ToFloat64(rows))

	_, err = svc.Validate("a.csv", content)
	require.NoError(t, err)
	assert.Equal(t, uploads+1, testutil.ToFloat64(accepted))
	assert.Equal(t, validated+2, testutil.ToFloat64(rows))
}

func TestIngestFile_RejectedFileWritesNothing(t *testing.T) {
	st := memory.New()
	svc := newTestService(st, 0)

	_, err := svc.IngestFile(context.Background(), "user_123", "data.txt", []byte("date,amount\n2024-01-01,1\n"), "")
	assert.ErrorIs(t, err, ingest.ErrWrongFileType)

	_, err = svc.IngestFile(context.Background(), "user_123", "data.csv", []byte("date,amount\n,abc\n"), "")
	assert.ErrorIs(t, err, ingest.ErrNoValidRows)

	assert.Zero(t, st.TenantCount())
}

func TestPipeline_StopsOnCancelOnlyBeforePersist(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran []string
	step := func(name string, fn func(*PipelineState)) PipelineStep {
		return stepFunc{name: name, fn: func(state *PipelineState) {
			ran = append(ran, name)
			if fn != nil {
				fn(state)
			}
		}}
	}

	p := NewPipeline(zerolog.New(io.Discard),
		step("persist", func(state *PipelineState) {
			state.PersistStarted = true
			cancel()
		}),
		step("after", nil),
	)
	require.NoError(t, p.Execute(ctx, &PipelineState{}))
	assert.Equal(t, []string{"persist", "after"}, ran)

	ran = nil
	err := NewPipeline(zerolog.New(io.Discard), step("never", nil)).Execute(ctx, &PipelineState{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, strings.Contains(err.Error(), "never"))
	assert.Empty(t, ran)
}

type stepFunc struct {
	name string
	fn   func(*PipelineState)
}

func (s stepFunc) Name() string { return s.name }

func (s stepFunc) Execute(_ context.Context, state *PipelineState) error {
	s.fn(state)
	return nil
}
