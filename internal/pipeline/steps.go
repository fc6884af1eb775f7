package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/reconcile"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/tracking"
	"github.com/dvloznov/msp-reconciler/internal/views"
)

// State holds the shared state across all pipeline steps.
type State struct {
	Requested domain.Mode
	Session   *domain.Session

	PostingRows []domain.Row
	MeasureRows []domain.Row
	FloorRows   []domain.Row
	HQRows      []domain.Row

	Postings []domain.Posting
	Measures []domain.Measure
	Floor    []domain.MappingEntry
	HQ       []domain.MappingEntry

	Previous *domain.Result
	Diffs    map[string]tracking.Diff

	ChangedPostings map[string]struct{}
	ChangedMeasures map[int]struct{}

	Result       *domain.Result
	Observed     []domain.ObservedDepartment
	ObservedRegs []domain.ObservedRegion
	BudgetAdded  int
	BudgetBackup string
	Views        views.Views
}

// startSessionStep writes the RUNNING session row. A store that cannot
// be reached here aborts the run.
type startSessionStep struct{ r *Runner }

func (s *startSessionStep) Name() string { return "start_session" }

func (s *startSessionStep) Execute(ctx context.Context, state *State) error {
	if err := s.r.backend.Sessions.CreateSession(ctx, state.Session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// loadSourcesStep reads and decodes the four source tables.
type loadSourcesStep struct{ r *Runner }

func (s *loadSourcesStep) Name() string { return "load_sources" }

func (s *loadSourcesStep) Execute(ctx context.Context, state *State) error {
	t := s.r.opts.Tables
	reads := []struct {
		table string
		dst   *[]domain.Row
	}{
		{t.Postings, &state.PostingRows},
		{t.Measures, &state.MeasureRows},
		{t.FloorMapping, &state.FloorRows},
		{t.HQMapping, &state.HQRows},
	}
	for _, rd := range reads {
		rows, err := s.r.backend.Sources.ReadTable(ctx, rd.table, s.r.opts.BatchID)
		if err != nil {
			return fmt.Errorf("read %s: %w", rd.table, err)
		}
		*rd.dst = rows
	}

	state.Postings = make([]domain.Posting, 0, len(state.PostingRows))
	for _, row := range state.PostingRows {
		state.Postings = append(state.Postings, domain.PostingFromRow(row))
	}
	state.Measures = make([]domain.Measure, 0, len(state.MeasureRows))
	skipped := 0
	for _, row := range state.MeasureRows {
		m, ok := domain.MeasureFromRow(row)
		if !ok {
			skipped++
			continue
		}
		state.Measures = append(state.Measures, m)
	}
	state.Floor = mappingEntries(state.FloorRows)
	state.HQ = mappingEntries(state.HQRows)

	state.Session.Counts.Postings = len(state.Postings)
	state.Session.Counts.Measures = len(state.Measures)

	log := logger.FromContext(ctx)
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Skipped measures without a usable order number")
	}
	log.Info().
		Int("postings", len(state.Postings)).
		Int("measures", len(state.Measures)).
		Int("floor_mappings", len(state.Floor)).
		Int("hq_mappings", len(state.HQ)).
		Msg("Loaded sources")
	return nil
}

func mappingEntries(rows []domain.Row) []domain.MappingEntry {
	out := make([]domain.MappingEntry, 0, len(rows))
	for _, row := range rows {
		e := domain.MappingFromRow(row)
		if e.Key == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// loadPreviousStep decodes the last persisted result. An unreadable
// snapshot fails the run so manual assignments are never dropped.
type loadPreviousStep struct{ r *Runner }

func (s *loadPreviousStep) Name() string { return "load_previous" }

func (s *loadPreviousStep) Execute(ctx context.Context, state *State) error {
	prev, err := storage.LoadResult(ctx, s.r.backend.Blobs)
	if err != nil {
		return err
	}
	state.Previous = prev
	if prev == nil {
		log := logger.FromContext(ctx)
		log.Info().Msg("No previous result, starting fresh")
	}
	return nil
}

// detectChangesStep diffs every source table against the tracked hashes
// and settles the effective mode.
type detectChangesStep struct{ r *Runner }

func (s *detectChangesStep) Name() string { return "detect_changes" }

func (s *detectChangesStep) Execute(ctx context.Context, state *State) error {
	t := s.r.opts.Tables
	tr := s.r.tracker
	state.Diffs[t.Postings] = tr.Diff(ctx, t.Postings, state.PostingRows, domain.ColPostingID)
	state.Diffs[t.Measures] = tr.Diff(ctx, t.Measures, state.MeasureRows, domain.ColOrderNumber)
	state.Diffs[t.FloorMapping] = tr.Diff(ctx, t.FloorMapping, state.FloorRows, domain.ColCostCenter)
	state.Diffs[t.HQMapping] = tr.Diff(ctx, t.HQMapping, state.HQRows, domain.ColCostCenter)

	for _, table := range []string{t.Postings, t.Measures} {
		d := state.Diffs[table]
		state.Session.Counts.NewRecords += len(d.New)
		state.Session.Counts.ChangedRecords += len(d.Changed)
		state.Session.Counts.UnchangedRecords += len(d.Unchanged)
	}

	state.Session.Mode = EffectiveMode(state.Requested, state.Previous != nil, state.Diffs, t.FloorMapping, t.HQMapping)
	if state.Session.Mode == domain.ModeIncremental {
		state.ChangedPostings = state.Diffs[t.Postings].ChangedIDs(domain.ColPostingID)
		state.ChangedMeasures = changedOrders(state.Diffs[t.Measures])
	}

	log := logger.FromContext(ctx)

	log.Info().
		Str("requested_mode", string(state.Requested)).
		Str("effective_mode", string(state.Session.Mode)).
		Int("new", state.Session.Counts.NewRecords).
		Int("changed", state.Session.Counts.ChangedRecords).
		Int("unchanged", state.Session.Counts.UnchangedRecords).
		Msg("Detected changes")
	return nil
}

// EffectiveMode decides how a run classifies postings. An incremental
// request falls back to a full pass when there is no previous result, when
// the tracked hashes could not be read, or when a mapping table changed,
// since a mapping change can move any posting.
func EffectiveMode(requested domain.Mode, hasPrevious bool, diffs map[string]tracking.Diff, mappingTables ...string) domain.Mode {
	if requested != domain.ModeIncremental {
		return domain.ModeFull
	}
	if !hasPrevious {
		return domain.ModeFullFallback
	}
	for _, d := range diffs {
		if d.Fallback {
			return domain.ModeFullFallback
		}
	}
	for _, table := range mappingTables {
		if diffs[table].HasChanges() {
			return domain.ModeFullFallback
		}
	}
	return domain.ModeIncremental
}

func changedOrders(d tracking.Diff) map[int]struct{} {
	out := make(map[int]struct{}, len(d.New)+len(d.Changed))
	for _, rows := range [][]domain.Row{d.New, d.Changed} {
		for _, row := range rows {
			if n, ok := row.Int(domain.ColOrderNumber); ok {
				out[n] = struct{}{}
			}
		}
	}
	return out
}

// reconcileStep classifies postings and measures with a fresh run context.
type reconcileStep struct{ r *Runner }

func (s *reconcileStep) Name() string { return "reconcile" }

func (s *reconcileStep) Execute(ctx context.Context, state *State) error {
	rc := reconcile.NewRunContext(state.Floor, state.HQ)

	var (
		res *domain.Result
		err error
	)
	if state.Session.Mode == domain.ModeIncremental {
		res, err = s.r.engine.RunIncremental(ctx, rc, reconcile.IncrementalInputs{
			Postings:        state.Postings,
			Measures:        state.Measures,
			Previous:        state.Previous,
			ChangedPostings: state.ChangedPostings,
			ChangedMeasures: state.ChangedMeasures,
		})
	} else {
		res, err = s.r.engine.Run(ctx, rc, reconcile.Inputs{
			Postings: state.Postings,
			Measures: state.Measures,
			Previous: state.Previous,
		})
	}
	if err != nil {
		return err
	}

	res.SessionID = state.Session.SessionID
	res.Mode = state.Session.Mode
	res.GeneratedAt = s.r.now().UTC()
	state.Result = res
	state.Session.Counts.ProcessedPostings = res.Statistics.ProcessedPostings
	state.Session.Counts.Transactions = res.Statistics.TotalTransactions

	ccs, orders, depts := rc.CacheSizes()
	log := logger.FromContext(ctx)
	log.Debug().
		Int("cost_center_cache", ccs).
		Int("order_number_cache", orders).
		Int("department_cache", depts).
		Msg("Run context discarded")
	return nil
}

// mergeBudgetStep collects the departments and regions of the result and
// checks that the allocation they extend is valid. Nothing is written
// here; persistStep merges onto the allocation stored at that time.
type mergeBudgetStep struct{ r *Runner }

func (s *mergeBudgetStep) Name() string { return "merge_budget" }

func (s *mergeBudgetStep) Execute(ctx context.Context, state *State) error {
	existing, err := s.r.budgets.Load(ctx)
	if err != nil {
		return err
	}
	depts, regions := budget.Observe(state.Result)
	merged := budget.Merge(existing, depts, regions)
	if err := budget.Validate(merged); err != nil {
		return err
	}
	state.Observed = depts
	state.ObservedRegs = regions
	state.BudgetAdded = budget.Added(existing, merged)

	log := logger.FromContext(ctx)

	log.Info().
		Int("observed_departments", len(depts)).
		Int("observed_regions", len(regions)).
		Int("added", state.BudgetAdded).
		Msg("Merged budget allocation")
	return nil
}

type buildViewsStep struct{}

func (s *buildViewsStep) Name() string { return "build_views" }

func (s *buildViewsStep) Execute(ctx context.Context, state *State) error {
	state.Views = views.Build(state.Result.Transactions)
	log := logger.FromContext(ctx)
	log.Debug().
		Int("departments", len(state.Views.Departments)).
		Int("regions", len(state.Views.Regions)).
		Int("awaiting_groups", len(state.Views.AwaitingAssignment)).
		Msg("Built views")
	return nil
}

// persistStep writes budget, result and views. Writes happen only here,
// after everything was computed. Budget keys are merged onto the stored
// allocation, and manual assignments made while the run was computing are
// carried into the new result, so neither kind of edit is lost.
type persistStep struct{ r *Runner }

func (s *persistStep) Name() string { return "persist" }

func (s *persistStep) Execute(ctx context.Context, state *State) error {
	added, backup, err := s.r.budgets.MergeObserved(ctx, state.Observed, state.ObservedRegs)
	if err != nil {
		return err
	}
	state.BudgetAdded = added
	state.BudgetBackup = backup

	blobs := s.r.backend.Blobs
	mu := storage.WriteLock(blobs)
	mu.Lock()
	defer mu.Unlock()

	stored, err := storage.LoadResult(ctx, blobs)
	if err != nil {
		return err
	}
	if n := CarryAssignments(stored, state.Result); n > 0 {
		state.Views = views.Build(state.Result.Transactions)
		log := logger.FromContext(ctx)
		log.Info().Int("assignments", n).Msg("Carried manual assignments made during the run")
	}

	if err := WriteSnapshot(ctx, blobs, state.Result, state.Views); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().
		Int("transactions", state.Result.Statistics.TotalTransactions).
		Int("budget_added", state.BudgetAdded).
		Str("budget_backup", state.BudgetBackup).
		Msg("Persisted snapshot")
	return nil
}

// recordTrackingStep stores the hashes of this run's rows and drops those
// of removed rows. Failures are logged and the run still completes.
type recordTrackingStep struct{ r *Runner }

func (s *recordTrackingStep) Name() string { return "record_tracking" }

func (s *recordTrackingStep) Execute(ctx context.Context, state *State) error {
	t := s.r.opts.Tables
	tables := []struct {
		name  string
		rows  []domain.Row
		idCol string
	}{
		{t.Postings, state.PostingRows, domain.ColPostingID},
		{t.Measures, state.MeasureRows, domain.ColOrderNumber},
		{t.FloorMapping, state.FloorRows, domain.ColCostCenter},
		{t.HQMapping, state.HQRows, domain.ColCostCenter},
	}
	log := logger.FromContext(ctx)
	for _, tb := range tables {
		if err := s.r.tracker.RecordResult(ctx, tb.name, tb.rows, tb.idCol, state.Session.BatchID); err != nil {
			log.Error().Err(err).Str("table", tb.name).Msg("Failed to record tracking hashes")
		}
		if err := s.r.tracker.Forget(ctx, tb.name, state.Diffs[tb.name].Removed); err != nil {
			log.Error().Err(err).Str("table", tb.name).Msg("Failed to forget removed records")
		}
	}
	return nil
}

type completeSessionStep struct{ r *Runner }

func (s *completeSessionStep) Name() string { return "complete_session" }

func (s *completeSessionStep) Execute(ctx context.Context, state *State) error {
	state.Session.Finish(domain.SessionCompleted, s.r.now().UTC(), nil)
	if err := s.r.backend.Sessions.UpdateSession(ctx, state.Session); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}
