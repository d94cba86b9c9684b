// Package app builds the service's collaborators from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dvloznov/smeinsight/internal/api"
	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/config"
	"github.com/dvloznov/smeinsight/internal/insights"
	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/dvloznov/smeinsight/internal/jobs/inmemory"
	"github.com/dvloznov/smeinsight/internal/migrate"
	"github.com/dvloznov/smeinsight/internal/persist"
	"github.com/dvloznov/smeinsight/internal/pipeline"
	"github.com/dvloznov/smeinsight/internal/store"
	"github.com/dvloznov/smeinsight/internal/store/bigquery"
	"github.com/dvloznov/smeinsight/internal/store/memory"
	"github.com/dvloznov/smeinsight/internal/store/postgres"
	"github.com/dvloznov/smeinsight/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// App holds everything a process needs. Insights is nil when no generator is
// configured.
type App struct {
	Config        *config.Config
	Log           zerolog.Logger
	Store         store.Store
	Service       *pipeline.Service
	Archiver      archive.Archiver
	Insights      *insights.Service
	JobStore      *inmemory.Store
	Queue         *inmemory.Queue
	Authenticator middleware.Authenticator

	closers []io.Closer
}

// New builds an App. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st)

	if cfg.Archive.Bucket != "" {
		gcs, err := archive.NewGCSArchiver(ctx, cfg.Archive.Bucket, log)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Archiver = gcs
		a.closers = append(a.closers, gcs)
	} else {
		log.Warn().Msg("No archive bucket configured, async uploads are kept in memory")
		a.Archiver = archive.NewMemoryArchiver()
	}

	if cfg.Insights.Enabled() {
		gen, err := insights.NewGeminiGenerator(ctx, insights.GeminiConfig{
			APIKey:   cfg.Insights.APIKey,
			Project:  cfg.Insights.Project,
			Location: cfg.Insights.Location,
			Model:    cfg.Insights.Model,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Insights = insights.NewService(st, gen, log)
	}

	a.Authenticator, err = NewAuthenticator(cfg.Auth)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("New: %w", err)
	}

	a.Service = pipeline.NewService(st, pipeline.Config{
		MaxFileSize: cfg.Upload.MaxFileBytes,
		Batch: persist.Config{
			BatchSize: cfg.Upload.BatchSize,
			Workers:   cfg.Upload.Workers,
		},
	}, log)

	a.JobStore = inmemory.NewStore()
	a.Queue = inmemory.NewQueue(inmemory.Config{
		BufferSize: cfg.Jobs.QueueSize,
		Workers:    cfg.Jobs.Workers,
		RetryDelay: cfg.Jobs.RetryDelay,
		MaxRetries: cfg.Jobs.MaxRetries,
	}, a.JobStore, log)

	return a, nil
}

// OpenStore connects to the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	log = log.With().Str("backend", cfg.Backend).Logger()

	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.New(ctx, cfg.Postgres.DSN, log)
	case config.BackendBigQuery:
		return bigquery.New(ctx, bigquery.Config{
			ProjectID: cfg.BigQuery.ProjectID,
			DatasetID: cfg.BigQuery.DatasetID,
		}, log)
	case config.BackendSQLite:
		return sqlite.New(cfg.SQLite.Path, log)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Backend)
	}
}

// Migrate applies the embedded migrations of st's backend. The memory
// backend needs none.
func Migrate(ctx context.Context, st store.Store, cfg config.StoreConfig, appliedBy string, log zerolog.Logger) (int, error) {
	var (
		exec       migrate.Executor
		migrations []migrate.Migration
		err        error
	)

	switch s := st.(type) {
	case *postgres.Store:
		exec = s.Migrator()
		migrations, err = postgres.Migrations()
	case *sqlite.Store:
		exec = s.Migrator()
		migrations, err = sqlite.Migrations()
	case *bigquery.Store:
		exec = s.Migrator()
		migrations, err = bigquery.Migrations(bigquery.Config{
			ProjectID: cfg.BigQuery.ProjectID,
			DatasetID: cfg.BigQuery.DatasetID,
		})
	case *memory.Store:
		return 0, nil
	default:
		return 0, fmt.Errorf("Migrate: unsupported store %T", st)
	}
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}

	log.Info().Int("available", len(migrations)).Msg("Running migrations")
	return migrate.Run(ctx, exec, migrations, appliedBy, log)
}

// NewAuthenticator selects how requests are attributed to principals.
func NewAuthenticator(cfg config.AuthConfig) (middleware.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthHeader:
		return middleware.HeaderAuthenticator{Header: cfg.Header}, nil
	case config.AuthTokens:
		tokens, err := cfg.TokenMap()
		if err != nil {
			return nil, fmt.Errorf("NewAuthenticator: %w", err)
		}
		return middleware.TokenAuthenticator{Tokens: tokens}, nil
	default:
		return nil, fmt.Errorf("NewAuthenticator: unknown auth mode %q", cfg.Mode)
	}
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Deps{
		Uploads:       a.Service,
		Archiver:      a.Archiver,
		Publisher:     a.Queue,
		JobStore:      a.JobStore,
		Insights:      a.Insights,
		Authenticator: a.Authenticator,
		MaxFileSize:   a.Config.Upload.MaxFileBytes,
		CORSOrigin:    a.Config.Server.CORSOrigin,
		Log:           a.Log,
	})
}

// StartWorkers consumes ingest jobs until ctx is cancelled or the queue is
// stopped.
func (a *App) StartWorkers(ctx context.Context) error {
	return a.Queue.Start(ctx, jobs.NewIngestHandler(a.Archiver, a.Service, a.Log))
}

// Shutdown waits for in-flight jobs, then releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping queue: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the store and archive clients, newest first.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing queue: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
