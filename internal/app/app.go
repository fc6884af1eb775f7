// Package app wires storage backends, the run pipeline and the job queue
// from configuration. Every cmd/ entry point goes through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/gcs"
	infraBQ "github.com/dvloznov/msp-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/msp-reconciler/internal/jobs"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/notionsync"
	"github.com/dvloznov/msp-reconciler/internal/pipeline"
	"github.com/dvloznov/msp-reconciler/internal/sources/files"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/storage/memory"
	"github.com/dvloznov/msp-reconciler/internal/storage/sqlite"
)

// OpenBackend builds the backend selected by cfg.Backend. When
// cfg.SourceDir is set, source tables are read from exports in that
// directory instead. Callers must call Close on the returned backend.
func OpenBackend(ctx context.Context, cfg *config.Config) (*storage.Backend, error) {
	log := logger.FromContext(ctx)

	var backend *storage.Backend
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("OpenBackend: %w", err)
		}
		backend = store.Backend()

	case config.BackendGCP:
		bq, err := infraBQ.NewClient(ctx, cfg.ProjectID, cfg.Dataset)
		if err != nil {
			return nil, fmt.Errorf("OpenBackend: bigquery: %w", err)
		}
		blobs, err := gcs.NewBlobStore(ctx, cfg.Bucket, cfg.Prefix)
		if err != nil {
			bq.Close()
			return nil, fmt.Errorf("OpenBackend: storage: %w", err)
		}
		backend = &storage.Backend{
			Sources:  infraBQ.NewSourceReader(bq),
			Blobs:    blobs,
			Hashes:   infraBQ.NewHashStore(bq),
			Sessions: infraBQ.NewSessionStore(bq),
			Close: func() error {
				return errors.Join(blobs.Close(), bq.Close())
			},
		}

	case config.BackendMemory:
		backend = memory.NewStore().Backend()

	default:
		return nil, fmt.Errorf("OpenBackend: unknown backend %q", cfg.Backend)
	}

	if cfg.SourceDir != "" {
		backend.Sources = files.NewReader(cfg.SourceDir)
		log.Info().Str("dir", cfg.SourceDir).Msg("Reading source tables from exports")
	}
	if backend.Close == nil {
		backend.Close = func() error { return nil }
	}

	log.Debug().Str("backend", cfg.Backend).Msg("Backend opened")
	return backend, nil
}

// RunnerOptions maps configuration onto pipeline options.
func RunnerOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		Tables:    cfg.Tables,
		BatchID:   cfg.BatchID,
		Workers:   cfg.Workers,
		ChunkSize: cfg.ChunkSize,
	}
}

// RunJobHandler executes queued run jobs with runner.
func RunJobHandler(runner *pipeline.Runner) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.RunJob) error {
		report, err := runner.Run(ctx, job.Mode)
		if err != nil {
			return err
		}
		job.SessionID = report.Session.SessionID
		return nil
	}
}

// SyncTriageAfterRun wraps next so that every successful run is followed by
// a sync of the Notion triage board. Sync failures are logged; the run
// itself already succeeded.
func SyncTriageAfterRun(next jobs.JobHandler, blobs storage.BlobStore, svc notionsync.TriageBoard, databaseID string) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.RunJob) error {
		if err := next(ctx, job); err != nil {
			return err
		}
		if _, err := notionsync.SyncSnapshot(ctx, blobs, svc, databaseID, false); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("job_id", job.JobID).Msg("Triage sync after run failed")
		}
		return nil
	}
}

// JobHandler is RunJobHandler, followed by a triage sync when Notion is
// configured.
func JobHandler(cfg *config.Config, backend *storage.Backend) jobs.JobHandler {
	h := RunJobHandler(pipeline.NewRunner(backend, RunnerOptions(cfg)))
	if cfg.NotionToken != "" && cfg.NotionDatabaseID != "" {
		h = SyncTriageAfterRun(h, backend.Blobs, notionsync.NewClient(cfg.NotionToken), cfg.NotionDatabaseID)
	}
	return h
}
