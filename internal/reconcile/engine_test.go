package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testMeasures() []domain.Measure {
	return []domain.Measure{
		{OrderNumber: 3050, Title: "Frühjahrsflyer", EstimatedBudget: dec("1000"), GroupMembership: "Marketing-Gruppe BY"},
		{OrderNumber: 3060, Title: "Radiospot", EstimatedBudget: dec("500"), GroupMembership: "Marketing-Gruppe BW"},
		{OrderNumber: 3070, Title: "Messe", EstimatedBudget: dec("250"), GroupMembership: "Regionalteam Ost"},
	}
}

func testPostings() []domain.Posting {
	return []domain.Posting{
		{ID: "p1", CostCenter: "3001234", Amount: dec("120.50"), Text: "Plakate Sommer"},
		{ID: "p2", CostCenter: "3001234", Amount: dec("900"), Text: "Rechnung 2023 Auftrag 3050"},
		{ID: "p3", CostCenter: "999999", Amount: dec("42"), Text: "Auftrag 3060"},
		{ID: "p4", CostCenter: "10045", Amount: dec("75"), Text: "Auftrag 3999"},
	}
}

func TestEngineRunClassification(t *testing.T) {
	rc := testRunContext()
	e := NewEngine(2, 1)

	res, err := e.Run(context.Background(), rc, Inputs{Postings: testPostings(), Measures: testMeasures()})
	require.NoError(t, err)

	require.Len(t, res.DirectCosts, 2)
	assert.Equal(t, "p1", res.DirectCosts[0].TransactionID)
	assert.Equal(t, domain.ImpactBooked, res.DirectCosts[0].BudgetImpact)
	assert.Equal(t, domain.StatusDirectBooked, res.DirectCosts[0].Status)
	assert.Equal(t, domain.LocationFloor, res.DirectCosts[0].LocationType)
	// 3999 is not a known measure.
	assert.Equal(t, "p4", res.DirectCosts[1].TransactionID)
	assert.Equal(t, domain.LocationHQ, res.DirectCosts[1].LocationType)

	require.Len(t, res.BookedMeasures, 1)
	b := res.BookedMeasures[0]
	assert.Equal(t, 3050, b.OrderNumber)
	assert.True(t, b.Variance.Equal(dec("-100")))
	assert.True(t, b.Variance.Equal(b.ActualAmount.Sub(b.EstimatedAmount)))
	assert.False(t, b.PreviouslyParked)
	assert.Equal(t, "Bayern", b.Department)

	require.Len(t, res.Outliers, 1)
	o := res.Outliers[0]
	assert.Equal(t, "p3", o.TransactionID)
	assert.True(t, o.Location().IsZero())
	assert.Equal(t, domain.LocationUnknown, o.LocationType)
	assert.Equal(t, domain.ImpactNone, o.BudgetImpact)

	// 3060 only appears on an outlier, which never books a measure.
	require.Len(t, res.ParkedMeasures, 2)
	for _, tx := range res.ParkedMeasures {
		u, ok := tx.(*domain.UnassignedMeasure)
		require.True(t, ok)
		assert.Empty(t, u.Region)
		assert.Empty(t, u.District)
		assert.Equal(t, domain.StatusAwaitingAssignment, u.Status)
		assert.Equal(t, domain.ImpactReserved, u.BudgetImpact)
	}
	assert.Equal(t, "Baden-Württemberg", res.ParkedMeasures[0].Base().Department)
	assert.Equal(t, "Region Ost", res.ParkedMeasures[1].Base().Department)

	assert.Equal(t, res.Concat(), res.Transactions)
	assert.Equal(t, 4, res.Statistics.TotalPostings)
	assert.Equal(t, 3, res.Statistics.TotalMeasures)
	assert.Equal(t, 2, res.Statistics.UnassignedMeasures)
	assert.Equal(t, 6, res.Statistics.TotalTransactions)
}

func TestEngineRunKeepsManualAssignments(t *testing.T) {
	rc := testRunContext()
	prev := &domain.Result{
		ParkedMeasures: []domain.Transaction{
			&domain.ParkedMeasure{
				Header:      domain.NewHeader(MeasureTransactionID(3060), domain.CategoryParkedMeasure, domain.StatusManuallyAssigned, domain.LocationInfo{Department: "Baden-Württemberg", Region: "Nord", District: "Stuttgart"}, domain.LocationFloor),
				OrderNumber: 3060,
			},
			&domain.UnassignedMeasure{
				Header:      domain.NewHeader(MeasureTransactionID(3050), domain.CategoryUnassignedMeasure, domain.StatusAwaitingAssignment, domain.LocationInfo{Department: "Bayern"}, domain.LocationFloor),
				OrderNumber: 3050,
			},
		},
	}
	ph, err := domain.DecodePlaceholder([]byte(`{"transaction_id":"manual-1","category":"PLACEHOLDER"}`))
	require.NoError(t, err)
	prev.Placeholders = []*domain.Placeholder{ph}
	prev.Finalize()

	res, err := NewEngine(4, 2).Run(context.Background(), rc, Inputs{Postings: testPostings(), Measures: testMeasures(), Previous: prev})
	require.NoError(t, err)

	require.Len(t, res.BookedMeasures, 1)
	assert.True(t, res.BookedMeasures[0].PreviouslyParked)

	require.Len(t, res.ParkedMeasures, 2)
	pm, ok := res.ParkedMeasures[0].(*domain.ParkedMeasure)
	require.True(t, ok)
	assert.Equal(t, 3060, pm.OrderNumber)
	assert.Equal(t, domain.StatusManuallyAssigned, pm.Status)
	assert.Equal(t, "Nord", pm.Region)
	assert.Equal(t, "Stuttgart", pm.District)
	assert.Equal(t, "Baden-Württemberg", pm.Department)
	assert.Equal(t, domain.LocationFloor, pm.LocationType)
	require.NotNil(t, pm.ManualAssignment)
	assert.Equal(t, "Nord", pm.ManualAssignment.Region)

	_, ok = res.ParkedMeasures[1].(*domain.UnassignedMeasure)
	assert.True(t, ok)

	require.Len(t, res.Placeholders, 1)
	assert.Equal(t, "manual-1", res.Placeholders[0].TransactionID)
	assert.Equal(t, res.Concat(), res.Transactions)
}

func TestParkedLocationTypeFallsBackToInference(t *testing.T) {
	rc := NewRunContext(nil, nil)
	prev := map[int]ParkedRecord{3070: {Region: "Ost"}}
	out := ClassifyUnbooked(rc, testMeasures()[2:], MatchedSet{}, prev)

	require.Len(t, out, 1)
	assert.Equal(t, domain.LocationFloor, out[0].Base().LocationType)
	assert.Equal(t, domain.CategoryParkedMeasure, out[0].Base().Category)
}

func TestClassifyUnbookedRepeatedOrderNumber(t *testing.T) {
	rc := NewRunContext(nil, nil)
	measures := []domain.Measure{
		{OrderNumber: 3070, Title: "Messe", EstimatedBudget: dec("250")},
		{OrderNumber: 3080, Title: "Banner", EstimatedBudget: dec("80")},
		{OrderNumber: 3070, Title: "Messe 2024", EstimatedBudget: dec("300")},
	}

	tests := []struct {
		name   string
		prev   map[int]ParkedRecord
		status string
	}{
		{name: "unassigned", status: domain.StatusAwaitingAssignment},
		{name: "parked", prev: map[int]ParkedRecord{3070: {Region: "Ost"}}, status: domain.StatusManuallyAssigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ClassifyUnbooked(rc, measures, MatchedSet{}, tt.prev)
			require.Len(t, out, 2)
			assert.Equal(t, MeasureTransactionID(3070), out[0].Base().TransactionID)
			assert.Equal(t, tt.status, out[0].Base().Status)

			latest := IndexMeasures(measures)[3070]
			switch m := out[0].(type) {
			case *domain.UnassignedMeasure:
				assert.Equal(t, latest.Title, m.MeasureTitle)
				assert.True(t, latest.EstimatedBudget.Equal(m.EstimatedAmount))
			case *domain.ParkedMeasure:
				assert.Equal(t, latest.Title, m.MeasureTitle)
				assert.True(t, latest.EstimatedBudget.Equal(m.EstimatedAmount))
			default:
				t.Fatalf("unexpected transaction %T", m)
			}
			assert.Equal(t, "Messe 2024", latest.Title)
		})
	}
}

func TestClassifyPostingsChunkingPreservesOrder(t *testing.T) {
	rc := testRunContext()
	var postings []domain.Posting
	for i := 0; i < 257; i++ {
		postings = append(postings, domain.Posting{ID: fmt.Sprintf("p%03d", i), CostCenter: "345678", Amount: decimal.NewFromInt(int64(i))})
	}

	for _, workers := range []int{1, 3, 8} {
		for _, chunk := range []int{1, 10, 1000} {
			t.Run(fmt.Sprintf("w%d_c%d", workers, chunk), func(t *testing.T) {
				out, matched, err := NewEngine(workers, chunk).ClassifyPostings(context.Background(), rc, postings, nil, nil)
				require.NoError(t, err)
				assert.Equal(t, 0, matched.Len())
				require.Len(t, out.DirectCosts, len(postings))
				for i, d := range out.DirectCosts {
					assert.Equal(t, postings[i].ID, d.TransactionID)
				}
			})
		}
	}
}

func TestClassifyPostingsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewEngine(2, 1).ClassifyPostings(ctx, testRunContext(), testPostings(), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEveryMatchedMeasureBookedOnce(t *testing.T) {
	rc := testRunContext()
	postings := []domain.Posting{
		{ID: "a", CostCenter: "345678", Amount: dec("10"), Text: "3050"},
		{ID: "b", CostCenter: "345678", Amount: dec("20"), Text: "3060"},
	}
	res, err := NewEngine(1, 1).Run(context.Background(), rc, Inputs{Postings: postings, Measures: testMeasures()})
	require.NoError(t, err)

	seen := map[int]int{}
	for _, b := range res.BookedMeasures {
		seen[b.OrderNumber]++
		assert.True(t, b.Variance.Equal(b.ActualAmount.Sub(b.EstimatedAmount)))
	}
	assert.Equal(t, map[int]int{3050: 1, 3060: 1}, seen)
	require.Len(t, res.ParkedMeasures, 1)
	n, _ := domain.OrderNumberOf(res.ParkedMeasures[0])
	assert.Equal(t, 3070, n)
}
