// Package persist turns validated transaction rows into metric records and
// writes them in bounded, independently failing batches.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/metrics"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds how many records go into one store write.
const DefaultBatchSize = 100

// Failure reasons reported in domain.BatchFailure. They are safe to show users.
const (
	ReasonStoreWrite = "store write failed"
	ReasonCancelled  = "cancelled before write"
)

// ErrMissingTenant is returned when a request carries no tenant id.
var ErrMissingTenant = errors.New("persist: tenant id is required")

// Config tunes a Batcher.
type Config struct {
	// BatchSize is the number of records per store write. Zero or less
	// selects DefaultBatchSize.
	BatchSize int

	// Workers is how many batches may be written at once. One or less writes
	// batches sequentially in file order.
	Workers int
}

// Request is one submission's worth of records.
type Request struct {
	TenantID     uuid.UUID
	DataSourceID uuid.UUID
	Source       string
	Records      []domain.TransactionRecord
}

// Batcher writes records through a store.MetricWriter.
type Batcher struct {
	store store.MetricWriter
	cfg   Config
	log   zerolog.Logger
}

// NewBatcher returns a Batcher writing to w.
func NewBatcher(w store.MetricWriter, cfg Config, log zerolog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Batcher{store: w, cfg: cfg, log: log}
}

// batchResult is what processing one batch produced.
type batchResult struct {
	batch    domain.Batch
	failure  string
	remapped []string
}

// Persist writes req.Records in batches of the configured size.
//
// A batch that fails is skipped and not retried; the others still run. The
// returned outcome lists both sets, and Persisted counts only the records of
// succeeded batches. An error is returned only when nothing was attempted:
// a missing tenant or a context already done.
func (b *Batcher) Persist(ctx context.Context, req Request) (*domain.BatchOutcome, error) {
	if req.TenantID == uuid.Nil {
		return nil, ErrMissingTenant
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Persist: %w", err)
	}

	batches := split(len(req.Records), b.cfg.BatchSize)
	results := make([]batchResult, len(batches))

	if b.cfg.Workers == 1 || len(batches) < 2 {
		for i, batch := range batches {
			results[i] = b.writeBatch(ctx, req, batch)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(b.cfg.Workers)
		for i, batch := range batches {
			g.Go(func() error {
				results[i] = b.writeBatch(ctx, req, batch)
				return nil
			})
		}
		_ = g.Wait()
	}

	outcome := &domain.BatchOutcome{
		Requested: len(req.Records),
		Succeeded: []domain.Batch{},
		Failed:    []domain.BatchFailure{},
	}
	var remapped []string
	for _, r := range results {
		if r.failure != "" {
			outcome.Failed = append(outcome.Failed, domain.BatchFailure{Batch: r.batch, Reason: r.failure})
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, r.batch)
		outcome.Persisted += r.batch.Size
		remapped = append(remapped, r.remapped...)
	}

	// Only persisted records count as remapped.
	if len(remapped) > 0 {
		metrics.CategoriesRemapped.Add(float64(len(remapped)))
		b.log.Warn().
			Str("tenant_id", req.TenantID.String()).
			Str("source", req.Source).
			Int("count", len(remapped)).
			Strs("original_categories", distinct(remapped, 10)).
			Str("fallback", string(domain.DefaultCategory)).
			Msg("Unrecognized categories mapped to default")
	}

	b.log.Info().
		Str("tenant_id", req.TenantID.String()).
		Str("source", req.Source).
		Int("requested", outcome.Requested).
		Int("persisted", outcome.Persisted).
		Int("failed_batches", len(outcome.Failed)).
		Msg("Persisted metrics")

	return outcome, nil
}

// writeBatch converts and writes one batch. Records are converted before
// anything is written, so a bad date costs its batch no store call.
func (b *Batcher) writeBatch(ctx context.Context, req Request, batch domain.Batch) batchResult {
	res := batchResult{batch: batch}

	if ctx.Err() != nil {
		res.failure = ReasonCancelled
		metrics.BatchesWritten.WithLabelValues("failed").Inc()
		return res
	}

	records := make([]domain.MetricRecord, 0, batch.Size)
	for i, rec := range req.Records[batch.Offset : batch.Offset+batch.Size] {
		m, remapped, err := ToMetricRecord(req.TenantID, req.DataSourceID, req.Source, rec)
		if err != nil {
			res.failure = fmt.Sprintf("row %d: invalid date %q", batch.Offset+i+1, rec.Date)
			b.log.Warn().
				Str("tenant_id", req.TenantID.String()).
				Int("batch", batch.Index).
				Err(err).
				Msg("Batch skipped: unparseable date")
			metrics.BatchesWritten.WithLabelValues("failed").Inc()
			return res
		}
		if remapped {
			res.remapped = append(res.remapped, rec.Category)
		}
		records = append(records, m)
	}

	if err := b.store.InsertMetrics(ctx, req.TenantID, records); err != nil {
		res.failure = ReasonStoreWrite
		b.log.Error().
			Err(err).
			Str("tenant_id", req.TenantID.String()).
			Int("batch", batch.Index).
			Int("offset", batch.Offset).
			Int("size", batch.Size).
			Msg("Batch write failed")
		metrics.BatchesWritten.WithLabelValues("failed").Inc()
		return res
	}

	metrics.BatchesWritten.WithLabelValues("succeeded").Inc()
	metrics.MetricsPersisted.Add(float64(batch.Size))
	return res
}

// split cuts n records into consecutive batches of at most size.
func split(n, size int) []domain.Batch {
	var batches []domain.Batch
	for offset := 0; offset < n; offset += size {
		end := offset + size
		if end > n {
			end = n
		}
		batches = append(batches, domain.Batch{Index: len(batches), Offset: offset, Size: end - offset})
	}
	return batches
}

// distinct returns up to limit unique values in sorted order.
func distinct(values []string, limit int) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
