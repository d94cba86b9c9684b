package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/smeinsight/internal/app"
	"github.com/dvloznov/smeinsight/internal/config"
	"github.com/dvloznov/smeinsight/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (defaults to ./config.yaml when present)")
		addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
		migrateDB  = flag.Bool("migrate", false, "Apply store migrations before serving")
	)
	flag.Parse()

	bootLog := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, err := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Invalid log configuration")
	}

	ctx := context.Background()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	if *migrateDB {
		n, err := app.Migrate(ctx, a.Store, cfg.Store, "api", log)
		if err != nil {
			_ = a.Close()
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Int("applied", n).Msg("Store migrations checked")
	}

	if cfg.Insights.Enabled() {
		log.Info().Str("model", cfg.Insights.Model).Msg("Insights enabled")
	} else {
		log.Warn().Msg("No insights credentials configured - POST /insights will answer 503")
	}

	// Start worker in background to process ingest jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := a.StartWorkers(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("backend", cfg.Store.Backend).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight jobs finish before the store goes away.
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
