package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/jobs"
	"github.com/dvloznov/msp-reconciler/internal/jobs/inmemory"
)

func TestSchedulerSkipsWhileRunActive(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewStore()
	queue := inmemory.NewQueue(10, store)
	defer queue.Close()

	s := &scheduler{publisher: queue, store: store, interval: time.Hour}

	job, err := s.tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.ModeIncremental, job.Mode)
	assert.Equal(t, jobs.TriggerScheduler, job.Trigger)

	// Nobody consumes the queue, so the first job is still pending.
	again, err := s.tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, store.UpdateJobStatus(ctx, job.JobID, jobs.JobStatusCompleted, ""))
	next, err := s.tick(ctx)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestSchedulerLoopRunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := inmemory.NewStore()
	queue := inmemory.NewQueue(10, store)
	defer queue.Close()

	ran := make(chan *jobs.RunJob, 10)
	require.NoError(t, queue.Start(ctx, func(ctx context.Context, job *jobs.RunJob) error {
		ran <- job
		return nil
	}))

	s := &scheduler{publisher: queue, store: store, interval: 10 * time.Millisecond}
	go s.loop(ctx)

	for i := 0; i < 2; i++ {
		select {
		case job := <-ran:
			assert.Equal(t, domain.ModeIncremental, job.Mode)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduled run did not execute")
		}
	}
}
