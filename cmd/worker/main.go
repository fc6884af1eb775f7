// Command worker runs INCREMENTAL reconciliations on a fixed interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/app"
	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/telemetry"
)

func main() {
	envFile := flag.String("env", ".env", "Optional dotenv file")
	interval := flag.Duration("interval", 0, "Time between runs (defaults to RECONCILER_RUN_INTERVAL_MINUTES)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *interval <= 0 {
		*interval = time.Duration(cfg.RunIntervalMin) * time.Minute
	}

	log := logger.New(cfg.LogLevel)
	if *interval <= 0 {
		log.Fatal().Msg("Run interval must be positive")
	}

	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "msp-reconciler-worker", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer backend.Close()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(10, jobStore)

	if err := jobQueue.Start(ctx, app.JobHandler(cfg, backend)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	s := &scheduler{publisher: jobQueue, store: jobStore, interval: *interval}
	go s.loop(ctx)

	log.Info().Dur("interval", *interval).Str("backend", cfg.Backend).Msg("Worker service started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for the in-flight run
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	cancel()

	log.Info().Msg("Worker service exited")
}
