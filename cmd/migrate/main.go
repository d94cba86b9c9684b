package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/smeinsight/internal/app"
	"github.com/dvloznov/smeinsight/internal/config"
	"github.com/dvloznov/smeinsight/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], log); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

type options struct {
	configPath string
	backend    string
	dsn        string
	projectID  string
	datasetID  string
	sqlitePath string
	appliedBy  string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.backend, "backend", "", "Store backend: postgres, bigquery or sqlite (defaults to config)")
	fs.StringVar(&opts.dsn, "dsn", "", "Postgres connection string")
	fs.StringVar(&opts.projectID, "project", "", "GCP project ID for BigQuery")
	fs.StringVar(&opts.datasetID, "dataset", "", "BigQuery dataset ID")
	fs.StringVar(&opts.sqlitePath, "sqlite", "", "SQLite database path")
	fs.StringVar(&opts.appliedBy, "applied-by", "migrate-cli", "Name of the tool applying migrations")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// apply overrides configured store settings with the non-empty flags.
func (o options) apply(cfg *config.StoreConfig) {
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.dsn != "" {
		cfg.Postgres.DSN = o.dsn
	}
	if o.projectID != "" {
		cfg.BigQuery.ProjectID = o.projectID
	}
	if o.datasetID != "" {
		cfg.BigQuery.DatasetID = o.datasetID
	}
	if o.sqlitePath != "" {
		cfg.SQLite.Path = o.sqlitePath
	}
}

func run(ctx context.Context, args []string, log zerolog.Logger) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(&cfg.Store)

	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	log.Info().Str("backend", cfg.Store.Backend).Msg("Connected to store")

	applied, err := app.Migrate(ctx, st, cfg.Store, opts.appliedBy, log)
	if err != nil {
		return err
	}

	if applied == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", applied).Msg("Migrations applied")
	}
	return nil
}
