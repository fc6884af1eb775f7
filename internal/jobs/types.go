package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerAPI       Trigger = "api"
	TriggerScheduler Trigger = "scheduler"
	TriggerCLI       Trigger = "cli"
)

// RunJob asks for one reconciliation run.
type RunJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// Mode is the requested run mode, FULL or INCREMENTAL.
	Mode domain.Mode `json:"mode"`

	Trigger Trigger `json:"trigger"`

	// SessionID is the processing session of the last attempt.
	SessionID string `json:"session_id,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Done reports whether the job reached a final state.
func (j *RunJob) Done() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishRun enqueues a run. It fills in JobID, Status and CreatedAt
	// when they are empty.
	PublishRun(ctx context.Context, job *RunJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error marks the attempt failed
// and may trigger a retry.
type JobHandler func(ctx context.Context, job *RunJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RunJob) error

	// GetJob retrieves a job by ID. It returns ErrJobNotFound for unknown IDs.
	GetJob(ctx context.Context, jobID string) (*RunJob, error)

	// ListJobs retrieves jobs with optional filtering, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RunJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Mode   domain.Mode
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
