// Command api serves the reconciliation result, budget administration and
// run triggers over HTTP. Runs are executed one at a time by an in-process
// job queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/api/handlers"
	"github.com/dvloznov/msp-reconciler/internal/api/middleware"
	"github.com/dvloznov/msp-reconciler/internal/app"
	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/telemetry"
)

func main() {
	envFile := flag.String("env", ".env", "Optional dotenv file")
	port := flag.String("port", "", "HTTP server port (defaults to RECONCILER_PORT)")
	flag.Parse()

	cfg, err := config.Load(*envFile, func(c *config.Config) {
		if *port != "" {
			c.Port = *port
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	ctx := logger.WithContext(context.Background(), log)

	shutdownTracing, err := telemetry.Setup(ctx, "msp-reconciler-api", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer backend.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Msg("Starting run worker")
	if err := jobQueue.Start(workerCtx, app.JobHandler(cfg, backend)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start run worker")
	}

	mux := handlers.Routes(
		handlers.NewResultHandler(backend.Blobs),
		handlers.NewBudgetHandler(budget.NewManager(backend.Blobs)),
		handlers.NewRunsHandler(jobQueue, jobStore, backend.Sessions),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.Chain(mux, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("backend", cfg.Backend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let the in-flight run finish before the backend is closed.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
