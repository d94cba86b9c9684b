// Command ingest commits a previously archived upload for a principal, e.g.
// to replay a failed async job.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smeinsight/internal/app"
	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/config"
	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/dvloznov/smeinsight/internal/logger"
	"github.com/dvloznov/smeinsight/internal/tenant"
)

func main() {
	log := logger.New()

	var (
		uri        = flag.String("uri", "", "Archive URI of the upload (e.g. gs://bucket/uploads/...)")
		principal  = flag.String("principal", "", "Principal id the upload belongs to")
		sourceType = flag.String("type", "", "Data source type (defaults to csv)")
		configPath = flag.String("config", "", "Path to a YAML config file")
	)
	flag.Parse()

	if *uri == "" || *principal == "" {
		log.Fatal().Msg("Usage: ingest -uri URI -principal ID")
	}

	// Create context with timeout so the command doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()

	job, err := newJob(*uri, *principal, *sourceType)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid upload")
	}

	log.Info().Str("uri", job.ArchiveURI).Str("tenant_id", job.TenantID).Msg("Starting ingestion")

	if err := jobs.NewIngestHandler(a.Archiver, a.Service, log)(ctx, job); err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}

	fmt.Printf("Ingestion completed: %d metrics created from %d rows (%d rejected), data source %s\n",
		job.Result.MetricsCreated, job.Result.TotalRows, job.Result.RejectedRows, job.Result.DataSourceID)
}

// newJob builds the job for uri. The archived object must sit under the
// principal's tenant prefix.
func newJob(uri, principal, sourceType string) (*jobs.IngestFileJob, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, tenant.ErrEmptyPrincipal
	}
	_, _, object, err := archive.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	tenantID := tenant.DeriveID(principal).String()
	if !strings.HasPrefix(object, "uploads/"+tenantID+"/") {
		return nil, errors.New("upload does not belong to the principal's tenant")
	}

	return &jobs.IngestFileJob{
		JobID:          "manual",
		TenantID:       tenantID,
		Principal:      principal,
		ArchiveURI:     uri,
		FileName:       archive.FileName(uri),
		DataSourceType: sourceType,
		Status:         jobs.JobStatusRunning,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
