package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage/memory"
)

func TestContentHash(t *testing.T) {
	a := domain.Row{"id": "1", "amount": 10.5, "text": "x"}
	b := domain.Row{"text": "x", "id": "1", "amount": 10.5}
	withNil := domain.Row{"text": "x", "id": "1", "amount": 10.5, "booking_date": nil}
	changed := domain.Row{"id": "1", "amount": 11.0, "text": "x"}

	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.Equal(t, ContentHash(a), ContentHash(withNil))
	assert.NotEqual(t, ContentHash(a), ContentHash(changed))
	assert.Len(t, ContentHash(a), 64)
}

func rows() []domain.Row {
	return []domain.Row{
		{"id": "1", "amount": "10"},
		{"id": "2", "amount": "20"},
		{"id": "3", "amount": "30"},
	}
}

func TestDiffFirstRunAllNew(t *testing.T) {
	tr := NewTracker(memory.NewStore())

	d := tr.Diff(context.Background(), "sap_transactions", rows(), "id")
	assert.Len(t, d.New, 3)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Unchanged)
	assert.False(t, d.Fallback)
	assert.True(t, d.HasChanges())
}

func TestDiffSecondRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tr := NewTracker(store)
	tr.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, tr.RecordResult(ctx, "sap_transactions", rows(), "id", "b1"))

	current := rows()
	current[1] = domain.Row{"id": "2", "amount": "25"}
	current = append(current[:2], domain.Row{"id": "4", "amount": "40"})

	d := tr.Diff(ctx, "sap_transactions", current, "id")
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "2", d.Changed[0].Str("id"))
	require.Len(t, d.Unchanged, 1)
	assert.Equal(t, "1", d.Unchanged[0].Str("id"))
	require.Len(t, d.New, 1)
	assert.Equal(t, "4", d.New[0].Str("id"))
	assert.Equal(t, []string{"3"}, d.Removed)
	assert.Equal(t, map[string]struct{}{"2": {}, "4": {}}, d.ChangedIDs("id"))

	recs := store.TrackingRecords("sap_transactions")
	require.Len(t, recs, 3)
	assert.Equal(t, "b1", recs[0].BatchID)
}

func TestDiffNoChanges(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.NewStore())
	require.NoError(t, tr.RecordResult(ctx, "t", rows(), "id", ""))

	d := tr.Diff(ctx, "t", rows(), "id")
	assert.False(t, d.HasChanges())
	assert.Len(t, d.Unchanged, 3)
}

func TestDiffFallsBackOnStoreError(t *testing.T) {
	store := memory.NewStore()
	store.HashErr = errors.New("connection refused")
	tr := NewTracker(store)

	d := tr.Diff(context.Background(), "t", rows(), "id")
	assert.True(t, d.Fallback)
	assert.Len(t, d.New, 3)
	assert.Empty(t, d.Unchanged)
}

func TestRecordResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tr := NewTracker(store)

	require.NoError(t, tr.RecordResult(ctx, "t", rows(), "id", "b1"))
	require.NoError(t, tr.RecordResult(ctx, "t", rows(), "id", "b1"))
	assert.Len(t, store.TrackingRecords("t"), 3)

	// Rows without id are not tracked.
	require.NoError(t, tr.RecordResult(ctx, "t", []domain.Row{{"amount": "1"}}, "id", "b1"))
	assert.Len(t, store.TrackingRecords("t"), 3)
}

func TestDiffAcrossRuns(t *testing.T) {
	tests := []struct {
		name           string
		rows           []domain.Row
		wantUnchanged  int
		wantUntracked  int
		wantDuplicates []string
	}{
		{
			name: "repeated id",
			rows: []domain.Row{
				{"id": "1", "amount": "10"},
				{"id": "2", "amount": "20"},
				{"id": "1", "amount": "11"},
			},
			wantUnchanged:  2,
			wantDuplicates: []string{"1"},
		},
		{
			name: "row without id",
			rows: []domain.Row{
				{"id": "1", "amount": "10"},
				{"id": "", "amount": "99"},
				{"amount": "98"},
			},
			wantUnchanged: 1,
			wantUntracked: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tr := NewTracker(memory.NewStore())

			first := tr.Diff(ctx, "t", tt.rows, "id")
			assert.Equal(t, tt.wantDuplicates, first.Duplicates)
			require.NoError(t, tr.RecordResult(ctx, "t", tt.rows, "id", "b1"))

			second := tr.Diff(ctx, "t", tt.rows, "id")
			assert.False(t, second.HasChanges())
			assert.Empty(t, second.New)
			assert.Empty(t, second.Changed)
			assert.Len(t, second.Unchanged, tt.wantUnchanged)
			assert.Len(t, second.Untracked, tt.wantUntracked)
			assert.Equal(t, tt.wantDuplicates, second.Duplicates)
			if tt.wantUntracked > 0 {
				assert.Equal(t, map[string]struct{}{"": {}}, second.ChangedIDs("id"))
			} else {
				assert.Empty(t, second.ChangedIDs("id"))
			}
		})
	}
}

func TestDiffRepeatedIDKeepsLastRowAtFirstPosition(t *testing.T) {
	tr := NewTracker(memory.NewStore())
	d := tr.Diff(context.Background(), "t", []domain.Row{
		{"id": "1", "amount": "10"},
		{"id": "2", "amount": "20"},
		{"id": "1", "amount": "11"},
	}, "id")

	require.Len(t, d.New, 2)
	assert.Equal(t, "1", d.New[0].Str("id"))
	assert.Equal(t, "11", d.New[0].Str("amount"))
	assert.Equal(t, "2", d.New[1].Str("id"))
}

func TestForgetClearsRemoved(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tr := NewTracker(store)
	require.NoError(t, tr.RecordResult(ctx, "t", rows(), "id", "b1"))

	current := rows()[:2]
	d := tr.Diff(ctx, "t", current, "id")
	require.Equal(t, []string{"3"}, d.Removed)
	require.NoError(t, tr.Forget(ctx, "t", d.Removed))
	require.NoError(t, tr.Forget(ctx, "t", nil))

	d = tr.Diff(ctx, "t", current, "id")
	assert.Empty(t, d.Removed)
	assert.False(t, d.HasChanges())
	assert.Len(t, store.TrackingRecords("t"), 2)
}
