package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/query"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/storage/memory"
	"github.com/dvloznov/msp-reconciler/internal/tracking"
)

var testTables = config.Tables{
	Postings:     "sap_transactions",
	Measures:     "msp_measures",
	FloorMapping: "floor_mapping",
	HQMapping:    "hq_mapping",
}

func seed(s *memory.Store) {
	s.SetTable(testTables.FloorMapping, []domain.Row{
		{"cost_center": "FLOOR_00123", "department": "Bayern", "region": "Süd", "district": "München"},
	})
	s.SetTable(testTables.HQMapping, []domain.Row{
		{"cost_center": "10045", "department": "Hauptverwaltung", "region": "Zentrale"},
	})
	s.SetTable(testTables.Postings, []domain.Row{
		{"id": "p1", "cost_center": "3001234", "amount": "100,00", "text": "Plakate"},
		{"id": "p2", "cost_center": "3001234", "amount": "90", "text": "Flyer 3050"},
		{"id": "p3", "cost_center": "99999", "amount": "10", "text": "unknown"},
		{"id": "p4", "cost_center": "10045.0", "amount": "50", "text": "Order 3060"},
	})
	s.SetTable(testTables.Measures, []domain.Row{
		{"order_number": "3050", "title": "Flyer", "estimated_budget": "100", "group_membership": "Marketing-Gruppe BY"},
		{"order_number": "3060", "title": "HQ event", "estimated_budget": "40", "group_membership": "HV"},
		{"order_number": "3070", "title": "Radio", "estimated_budget": "70", "group_membership": "Regionalteam BW"},
	})
}

func newTestRunner(s *memory.Store) *Runner {
	return newTestRunnerOn(s.Backend())
}

func newTestRunnerOn(backend *storage.Backend) *Runner {
	r := NewRunner(backend, Options{Tables: testTables, Workers: 2, ChunkSize: 2})
	clock := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
	return r
}

func txIDs(res *domain.Result) []string {
	out := make([]string, 0, len(res.Transactions))
	for _, t := range res.Transactions {
		out = append(out, t.Base().TransactionID)
	}
	return out
}

func TestRunFull(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)

	rep, err := newTestRunner(s).Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	st := rep.Result.Statistics
	assert.Equal(t, 1, st.DirectCosts)
	assert.Equal(t, 2, st.BookedMeasures)
	assert.Equal(t, 0, st.ParkedMeasures)
	assert.Equal(t, 1, st.UnassignedMeasures)
	assert.Equal(t, 1, st.Outliers)
	assert.Equal(t, 5, st.TotalTransactions)
	assert.Equal(t, []string{"p1", "p2", "p4", "MSP-3070", "p3"}, txIDs(rep.Result))

	assert.Equal(t, domain.SessionCompleted, rep.Session.Status)
	assert.Equal(t, domain.ModeFull, rep.Session.Mode)
	assert.Equal(t, 7, rep.Session.Counts.NewRecords)
	assert.Equal(t, 5, rep.BudgetAdded)
	assert.Empty(t, rep.BudgetBackup)

	persisted, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, txIDs(rep.Result), txIDs(persisted))
	assert.Equal(t, "session-1", persisted.SessionID)

	for _, key := range []string{storage.KeyDepartmentsView, storage.KeyRegionsView, storage.KeyAwaitingView} {
		_, err := s.Get(ctx, key)
		assert.NoError(t, err, key)
	}

	b, err := storage.LoadBudget(ctx, s)
	require.NoError(t, err)
	assert.Contains(t, b.Departments, "Bayern|Floor")
	assert.Contains(t, b.Departments, "Baden-Württemberg|Floor")
	assert.Contains(t, b.Regions, "Hauptverwaltung|Zentrale|HQ")

	assert.Len(t, s.TrackingRecords(testTables.Postings), 4)
	assert.Len(t, s.TrackingRecords(testTables.Measures), 3)
}

func TestRunIncrementalWithoutPreviousFallsBack(t *testing.T) {
	s := memory.NewStore()
	seed(s)

	rep, err := newTestRunner(s).Run(context.Background(), domain.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFullFallback, rep.Session.Mode)
	assert.Equal(t, domain.ModeFullFallback, rep.Result.Mode)
}

func TestRunIncrementalWithoutChanges(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	first, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)
	second, err := r.Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeIncremental, second.Session.Mode)
	assert.Equal(t, 0, second.Result.Statistics.ProcessedPostings)
	assert.Equal(t, txIDs(first.Result), txIDs(second.Result))
	assert.Equal(t, 0, second.BudgetAdded)
	assert.Empty(t, second.BudgetBackup)
	assert.Equal(t, 7, second.Session.Counts.UnchangedRecords)
}

func TestRunIncrementalReprocessesChangedPosting(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	_, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	s.SetTable(testTables.Postings, []domain.Row{
		{"id": "p1", "cost_center": "3001234", "amount": "65", "text": "Radio 3070"},
		{"id": "p2", "cost_center": "3001234", "amount": "90", "text": "Flyer 3050"},
		{"id": "p3", "cost_center": "99999", "amount": "10", "text": "unknown"},
		{"id": "p4", "cost_center": "10045.0", "amount": "50", "text": "Order 3060"},
	})
	rep, err := r.Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeIncremental, rep.Session.Mode)
	assert.Equal(t, 1, rep.Result.Statistics.ProcessedPostings)
	assert.Equal(t, 3, rep.Result.Statistics.BookedMeasures)
	assert.Equal(t, 0, rep.Result.Statistics.UnassignedMeasures)
	assert.Equal(t, []string{"p1", "p2", "p4", "p3"}, txIDs(rep.Result))

	booked := rep.Result.BookedMeasures[0]
	assert.Equal(t, 3070, booked.OrderNumber)
	assert.Equal(t, "-5", booked.Variance.String())
}

func TestRunMappingChangeFallsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	_, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	s.SetTable(testTables.FloorMapping, []domain.Row{
		{"cost_center": "FLOOR_00123", "department": "Bayern", "region": "Nord", "district": "Nürnberg"},
	})
	rep, err := r.Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeFullFallback, rep.Session.Mode)
	assert.Equal(t, 4, rep.Result.Statistics.ProcessedPostings)
	assert.Equal(t, "Nord", rep.Result.DirectCosts[0].Region)
}

func TestRunHashStoreFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	_, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	s.HashErr = errors.New("connection reset")
	rep, err := r.Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFullFallback, rep.Session.Mode)
}

func TestRunKeepsManualAssignment(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	_, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	res, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	_, err = query.AssignMeasure(res, 3070, query.Assignment{Region: "Nord", District: "Mannheim", AssignedBy: "triage"})
	require.NoError(t, err)
	require.NoError(t, storage.PutJSON(ctx, s, storage.KeyResult, res))

	rep, err := r.Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)
	require.Len(t, rep.Result.ParkedMeasures, 1)

	parked, ok := rep.Result.ParkedMeasures[0].(*domain.ParkedMeasure)
	require.True(t, ok)
	assert.Equal(t, domain.StatusManuallyAssigned, parked.Status)
	assert.Equal(t, "Mannheim", parked.District)
	require.NotNil(t, parked.ManualAssignment)
	assert.Equal(t, "triage", parked.ManualAssignment.AssignedBy)
}

func TestRunFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)
	r := newTestRunner(s)

	first, err := r.Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	s.PutErr = errors.New("bucket unavailable")
	_, err = r.Run(ctx, domain.ModeFull)
	require.Error(t, err)
	s.PutErr = nil

	persisted, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first.Result.SessionID, persisted.SessionID)

	sessions, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "session-2", sessions[0].SessionID)
	assert.Equal(t, domain.SessionFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].ErrorMessage, "bucket unavailable")
}

func TestRunMissingSourceFails(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	_, err := newTestRunner(s).Run(ctx, domain.ModeFull)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	_, err := newTestRunner(memory.NewStore()).Run(context.Background(), domain.ModeFullFallback)
	assert.Error(t, err)
}

func TestEffectiveMode(t *testing.T) {
	changed := tracking.Diff{Changed: []domain.Row{{"cost_center": "1"}}}
	tests := []struct {
		name        string
		requested   domain.Mode
		hasPrevious bool
		diffs       map[string]tracking.Diff
		want        domain.Mode
	}{
		{name: "full stays full", requested: domain.ModeFull, hasPrevious: true, want: domain.ModeFull},
		{name: "no previous", requested: domain.ModeIncremental, want: domain.ModeFullFallback},
		{name: "unchanged", requested: domain.ModeIncremental, hasPrevious: true, diffs: map[string]tracking.Diff{"floor": {}}, want: domain.ModeIncremental},
		{name: "mapping changed", requested: domain.ModeIncremental, hasPrevious: true, diffs: map[string]tracking.Diff{"floor": changed}, want: domain.ModeFullFallback},
		{name: "postings changed", requested: domain.ModeIncremental, hasPrevious: true, diffs: map[string]tracking.Diff{"postings": changed}, want: domain.ModeIncremental},
		{name: "hash fallback", requested: domain.ModeIncremental, hasPrevious: true, diffs: map[string]tracking.Diff{"postings": {Fallback: true}}, want: domain.ModeFullFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveMode(tt.requested, tt.hasPrevious, tt.diffs, "floor", "hq")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssignMeasureUpdatesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)

	_, err := newTestRunner(s).Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	var awaiting []map[string]any
	require.NoError(t, storage.GetJSON(ctx, s, storage.KeyAwaitingView, &awaiting))
	require.Len(t, awaiting, 1)

	parked, err := AssignMeasure(ctx, s, 3070, query.Assignment{Region: "Nord", District: "Mannheim", AssignedBy: "api"})
	require.NoError(t, err)
	assert.Equal(t, "MSP-3070", parked.TransactionID)

	require.NoError(t, storage.GetJSON(ctx, s, storage.KeyAwaitingView, &awaiting))
	assert.Empty(t, awaiting)

	res, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Statistics.ParkedMeasures)

	_, err = AssignMeasure(ctx, s, 9999, query.Assignment{Region: "Nord"})
	assert.ErrorIs(t, err, query.ErrMeasureNotFound)
}

func TestRunIncrementalSettlesAfterTableEdits(t *testing.T) {
	hqRows := []domain.Row{
		{"cost_center": "10045", "department": "Hauptverwaltung", "region": "Zentrale"},
	}
	tests := []struct {
		name       string
		before     func(s *memory.Store)
		after      func(s *memory.Store)
		wantModes  []domain.Mode
		wantHashes map[string]int
	}{
		{
			name: "hq row removed",
			before: func(s *memory.Store) {
				s.SetTable(testTables.HQMapping, append(hqRows, domain.Row{"cost_center": "10099", "department": "Hauptverwaltung", "region": "Archiv"}))
			},
			after: func(s *memory.Store) {
				s.SetTable(testTables.HQMapping, hqRows)
			},
			wantModes:  []domain.Mode{domain.ModeFullFallback, domain.ModeIncremental, domain.ModeIncremental},
			wantHashes: map[string]int{testTables.HQMapping: 1},
		},
		{
			name: "floor row without cost center",
			after: func(s *memory.Store) {
				s.SetTable(testTables.FloorMapping, []domain.Row{
					{"cost_center": "FLOOR_00123", "department": "Bayern", "region": "Süd", "district": "München"},
					{"cost_center": "", "department": "Bayern", "region": "Süd", "district": "Augsburg"},
				})
			},
			wantModes:  []domain.Mode{domain.ModeIncremental, domain.ModeIncremental},
			wantHashes: map[string]int{testTables.FloorMapping: 1},
		},
		{
			name: "repeated posting id",
			before: func(s *memory.Store) {
				s.SetTable(testTables.Postings, []domain.Row{
					{"id": "p1", "cost_center": "3001234", "amount": "100,00", "text": "Plakate"},
					{"id": "p2", "cost_center": "3001234", "amount": "90", "text": "Flyer 3050"},
					{"id": "p3", "cost_center": "99999", "amount": "10", "text": "unknown"},
					{"id": "p4", "cost_center": "10045.0", "amount": "50", "text": "Order 3060"},
					{"id": "p2", "cost_center": "3001234", "amount": "95", "text": "Flyer 3050"},
				})
			},
			wantModes:  []domain.Mode{domain.ModeIncremental, domain.ModeIncremental},
			wantHashes: map[string]int{testTables.Postings: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := memory.NewStore()
			seed(s)
			if tt.before != nil {
				tt.before(s)
			}
			r := newTestRunner(s)

			_, err := r.Run(ctx, domain.ModeFull)
			require.NoError(t, err)
			if tt.after != nil {
				tt.after(s)
			}

			for i, want := range tt.wantModes {
				rep, err := r.Run(ctx, domain.ModeIncremental)
				require.NoError(t, err)
				assert.Equal(t, want, rep.Session.Mode, "run %d", i+1)
				if want == domain.ModeIncremental {
					assert.Equal(t, 0, rep.Result.Statistics.ProcessedPostings, "run %d", i+1)
				}
			}
			for table, n := range tt.wantHashes {
				assert.Len(t, s.TrackingRecords(table), n, table)
			}
		})
	}
}

// hookedBlobs runs hook once, right before the first read of key.
type hookedBlobs struct {
	storage.BlobStore
	key  string
	once sync.Once
	hook func()
}

func (h *hookedBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if key == h.key {
		h.once.Do(h.hook)
	}
	return h.BlobStore.Get(ctx, key)
}

func TestRunKeepsBudgetSetDuringRun(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)

	_, err := newTestRunner(s).Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	// A new HQ region makes the run add a budget key.
	s.SetTable(testTables.HQMapping, []domain.Row{
		{"cost_center": "10045", "department": "Hauptverwaltung", "region": "Zentrale"},
		{"cost_center": "10046", "department": "Hauptverwaltung", "region": "Nord"},
	})
	s.SetTable(testTables.Postings, []domain.Row{
		{"id": "p1", "cost_center": "3001234", "amount": "100,00", "text": "Plakate"},
		{"id": "p2", "cost_center": "3001234", "amount": "90", "text": "Flyer 3050"},
		{"id": "p3", "cost_center": "99999", "amount": "10", "text": "unknown"},
		{"id": "p4", "cost_center": "10045.0", "amount": "50", "text": "Order 3060"},
		{"id": "p5", "cost_center": "10046", "amount": "20", "text": "Catering"},
	})

	var setErr error
	blobs := &hookedBlobs{BlobStore: s, key: storage.KeyBudget, hook: func() {
		_, setErr = budget.NewManager(s).Set(ctx, budget.ScopeDepartment, "Bayern|Floor", decimal.NewFromInt(500))
	}}
	backend := &storage.Backend{Sources: s, Blobs: blobs, Hashes: s, Sessions: s}

	rep, err := newTestRunnerOn(backend).Run(ctx, domain.ModeFull)
	require.NoError(t, err)
	require.NoError(t, setErr)
	assert.Positive(t, rep.BudgetAdded)
	assert.NotEmpty(t, rep.BudgetBackup)

	b, err := storage.LoadBudget(ctx, s)
	require.NoError(t, err)
	assert.True(t, b.Departments["Bayern|Floor"].AllocatedBudget.Equal(decimal.NewFromInt(500)))
	assert.Contains(t, b.Regions, "Hauptverwaltung|Nord|HQ")
}

func TestRunKeepsAssignmentMadeDuringRun(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	seed(s)

	_, err := newTestRunner(s).Run(ctx, domain.ModeFull)
	require.NoError(t, err)

	var assignErr error
	blobs := &hookedBlobs{BlobStore: s, key: storage.KeyResult, hook: func() {
		_, assignErr = AssignMeasure(ctx, s, 3070, query.Assignment{Region: "Nord", District: "Mannheim", AssignedBy: "api"})
	}}
	backend := &storage.Backend{Sources: s, Blobs: blobs, Hashes: s, Sessions: s}

	rep, err := newTestRunnerOn(backend).Run(ctx, domain.ModeIncremental)
	require.NoError(t, err)
	require.NoError(t, assignErr)
	assert.Equal(t, domain.ModeIncremental, rep.Session.Mode)

	persisted, err := storage.LoadResult(ctx, s)
	require.NoError(t, err)
	for _, res := range []*domain.Result{rep.Result, persisted} {
		require.Len(t, res.ParkedMeasures, 1)
		parked, ok := res.ParkedMeasures[0].(*domain.ParkedMeasure)
		require.True(t, ok)
		assert.Equal(t, "Mannheim", parked.District)
		require.NotNil(t, parked.ManualAssignment)
		assert.Equal(t, "api", parked.ManualAssignment.AssignedBy)
		assert.Equal(t, 0, res.Statistics.UnassignedMeasures)
	}

	var awaiting []map[string]any
	require.NoError(t, storage.GetJSON(ctx, s, storage.KeyAwaitingView, &awaiting))
	assert.Empty(t, awaiting)
}

func TestCarryAssignments(t *testing.T) {
	at := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	manual := &domain.ManualAssignment{Region: "Nord", District: "Mannheim", AssignedBy: "api", AssignedAt: &at}

	unassigned := func(order int) *domain.Result {
		res := &domain.Result{ParkedMeasures: []domain.Transaction{&domain.UnassignedMeasure{
			Header:      domain.NewHeader(fmt.Sprintf("MSP-%d", order), domain.CategoryUnassignedMeasure, domain.StatusAwaitingAssignment, domain.LocationInfo{Department: "Baden-Württemberg"}, domain.LocationFloor),
			OrderNumber: order,
		}}}
		res.Finalize()
		return res
	}
	parked := func(order int, m *domain.ManualAssignment) *domain.Result {
		res := &domain.Result{ParkedMeasures: []domain.Transaction{&domain.ParkedMeasure{
			Header:           domain.NewHeader(fmt.Sprintf("MSP-%d", order), domain.CategoryParkedMeasure, domain.StatusManuallyAssigned, domain.LocationInfo{Department: "Baden-Württemberg", Region: m.Region, District: m.District}, domain.LocationFloor),
			OrderNumber:      order,
			ManualAssignment: m,
		}}}
		res.Finalize()
		return res
	}

	tests := []struct {
		name   string
		stored *domain.Result
		res    *domain.Result
		want   int
	}{
		{name: "no stored result", res: unassigned(3070), want: 0},
		{name: "assignment applied", stored: parked(3070, manual), res: unassigned(3070), want: 1},
		{name: "already carried", stored: parked(3070, manual), res: parked(3070, manual), want: 0},
		{name: "measure gone", stored: parked(3080, manual), res: unassigned(3070), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CarryAssignments(tt.stored, tt.res)
			assert.Equal(t, tt.want, got)
			if tt.want == 0 {
				return
			}
			p, ok := tt.res.ParkedMeasures[0].(*domain.ParkedMeasure)
			require.True(t, ok)
			assert.Equal(t, "Mannheim", p.District)
			require.NotNil(t, p.ManualAssignment)
			assert.True(t, p.ManualAssignment.AssignedAt.Equal(at))
			assert.Equal(t, 1, tt.res.Statistics.ParkedMeasures)
		})
	}
}
