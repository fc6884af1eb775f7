// Package pipeline runs one reconciliation: load sources, detect changes,
// classify, merge budgets, build views and persist the new snapshot.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/reconcile"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/tracking"
	"github.com/dvloznov/msp-reconciler/internal/views"
)

var tracer = otel.Tracer("github.com/dvloznov/msp-reconciler/internal/pipeline")

// Options configure a Runner.
type Options struct {
	Tables config.Tables
	// BatchID restricts source reads to one import batch. Empty reads all.
	BatchID   string
	Workers   int
	ChunkSize int
}

// Runner executes reconciliation runs against one backend. Runs must not
// overlap; callers serialize them (see the jobs queue).
type Runner struct {
	backend *storage.Backend
	opts    Options
	engine  *reconcile.Engine
	tracker *tracking.Tracker
	budgets *budget.Manager

	now   func() time.Time
	newID func() string
}

// NewRunner creates a runner for backend.
func NewRunner(backend *storage.Backend, opts Options) *Runner {
	return &Runner{
		backend: backend,
		opts:    opts,
		engine:  reconcile.NewEngine(opts.Workers, opts.ChunkSize),
		tracker: tracking.NewTracker(backend.Hashes),
		budgets: budget.NewManager(backend.Blobs),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Report is what a successful run produced.
type Report struct {
	Session      *domain.Session
	Result       *domain.Result
	Views        views.Views
	BudgetAdded  int
	BudgetBackup string
}

// Run executes one run in the requested mode (FULL or INCREMENTAL). An
// incremental run without a usable baseline runs as FULL_FALLBACK. On
// failure the session is marked FAILED and the previous snapshot stays in
// place.
func (r *Runner) Run(ctx context.Context, mode domain.Mode) (*Report, error) {
	if mode != domain.ModeFull && mode != domain.ModeIncremental {
		return nil, fmt.Errorf("Run: unsupported mode %q", mode)
	}

	state := &State{
		Requested: mode,
		Session: &domain.Session{
			SessionID: r.newID(),
			BatchID:   r.opts.BatchID,
			Mode:      mode,
			Status:    domain.SessionRunning,
			StartedAt: r.now().UTC(),
		},
		Diffs: map[string]tracking.Diff{},
	}
	if state.Session.BatchID == "" {
		state.Session.BatchID = state.Session.SessionID
	}

	ctx = logger.WithRun(ctx, state.Session.SessionID, string(mode))
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", state.Session.SessionID),
		attribute.String("mode", string(mode)),
	)
	log := logger.FromContext(ctx)
	log.Info().Str("batch_id", r.opts.BatchID).Msg("Starting reconciliation run")

	start := &startSessionStep{r}
	if err := start.Execute(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("Run: %w", err)
	}

	p := NewPipeline(
		&loadSourcesStep{r},
		&loadPreviousStep{r},
		&detectChangesStep{r},
		&reconcileStep{r},
		&mergeBudgetStep{r},
		&buildViewsStep{},
		&persistStep{r},
		&recordTrackingStep{r},
		&completeSessionStep{r},
	)
	if err := p.Execute(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, state, err)
		return nil, fmt.Errorf("Run: %w", err)
	}

	log.Info().
		Str("effective_mode", string(state.Session.Mode)).
		Int("transactions", state.Result.Statistics.TotalTransactions).
		Int("processed_postings", state.Result.Statistics.ProcessedPostings).
		Dur("elapsed", r.now().Sub(state.Session.StartedAt)).
		Msg("Reconciliation run completed")
	return &Report{
		Session:      state.Session,
		Result:       state.Result,
		Views:        state.Views,
		BudgetAdded:  state.BudgetAdded,
		BudgetBackup: state.BudgetBackup,
	}, nil
}

func (r *Runner) fail(ctx context.Context, state *State, runErr error) {
	log := logger.FromContext(ctx)
	state.Session.Finish(domain.SessionFailed, r.now().UTC(), runErr)
	if err := r.backend.Sessions.UpdateSession(ctx, state.Session); err != nil {
		log.Error().Err(err).Msg("Failed to mark session as failed")
	}
	log.Error().Err(runErr).Msg("Reconciliation run failed")
}

// Step is one stage of a run.
type Step interface {
	Name() string
	Execute(ctx context.Context, state *State) error
}

// Pipeline executes a sequence of steps in order, stopping at the first
// error.
type Pipeline struct {
	steps []Step
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *State) error {
	log := logger.FromContext(ctx)
	for i, step := range p.steps {
		stepCtx, span := tracer.Start(ctx, "pipeline."+step.Name())
		started := time.Now()
		log.Debug().Str("step", step.Name()).Msg("Step started")

		err := step.Execute(stepCtx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
		log.Debug().Str("step", step.Name()).Dur("elapsed", time.Since(started)).Msg("Step finished")
	}
	return nil
}
