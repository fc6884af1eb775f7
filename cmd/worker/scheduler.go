package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/jobs"
	"github.com/dvloznov/msp-reconciler/internal/logger"
)

// scheduler enqueues an INCREMENTAL run on every tick unless an earlier
// run is still queued or running.
type scheduler struct {
	publisher jobs.Publisher
	store     jobs.JobStore
	interval  time.Duration
}

// loop enqueues once immediately and then on every interval until ctx is
// done.
func (s *scheduler) loop(ctx context.Context) {
	log := logger.FromContext(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if job, err := s.tick(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to schedule run")
		} else if job != nil {
			log.Info().Str("job_id", job.JobID).Msg("Scheduled incremental run")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick publishes one run. It returns a nil job when an earlier run is
// still active.
func (s *scheduler) tick(ctx context.Context) (*jobs.RunJob, error) {
	for _, status := range []jobs.JobStatus{jobs.JobStatusPending, jobs.JobStatusRunning, jobs.JobStatusRetrying} {
		active, err := s.store.ListJobs(ctx, jobs.JobFilter{Status: status, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("tick: list %s jobs: %w", status, err)
		}
		if len(active) > 0 {
			log := logger.FromContext(ctx)
			log.Debug().
				Str("job_id", active[0].JobID).
				Str("status", string(status)).
				Msg("Previous run still active, skipping tick")
			return nil, nil
		}
	}

	job := &jobs.RunJob{Mode: domain.ModeIncremental, Trigger: jobs.TriggerScheduler}
	if err := s.publisher.PublishRun(ctx, job); err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	return job, nil
}
