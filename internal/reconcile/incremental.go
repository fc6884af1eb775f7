package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
)

// ErrNoPrevious is returned by RunIncremental without a previous result.
var ErrNoPrevious = errors.New("incremental run requires a previous result")

// IncrementalInputs are the source records of an incremental run together
// with what changed since the previous one.
type IncrementalInputs struct {
	Postings []domain.Posting
	Measures []domain.Measure
	Previous *domain.Result

	// ChangedPostings are ids of postings that are new or changed.
	ChangedPostings map[string]struct{}
	// ChangedMeasures are order numbers of measures that are new or changed.
	ChangedMeasures map[int]struct{}
}

// RunIncremental reclassifies only the postings affected by a change and
// keeps the previous classification of the rest. A posting is reclassified
// when it is new or changed, when it has no previous classification, when
// its order number points at a new or changed measure, or when the measure
// it was booked against no longer exists. Postings that disappeared are
// dropped. Unbooked measures are always classified again.
func (e *Engine) RunIncremental(ctx context.Context, rc *RunContext, in IncrementalInputs) (*domain.Result, error) {
	if in.Previous == nil {
		return nil, fmt.Errorf("RunIncremental: %w", ErrNoPrevious)
	}
	ctx, span := tracer.Start(ctx, "reconcile.RunIncremental")
	defer span.End()
	log := logger.FromContext(ctx)

	measures := IndexMeasures(in.Measures)
	prevParked := PreviousParkedIndex(in.Previous)
	prevByPosting := previousByPosting(in.Previous)

	var reprocess []domain.Posting
	for _, p := range in.Postings {
		if needsReprocessing(rc, p, prevByPosting, measures, in) {
			reprocess = append(reprocess, p)
		}
	}

	outcome, _, err := e.ClassifyPostings(ctx, rc, reprocess, measures, prevParked)
	if err != nil {
		return nil, fmt.Errorf("RunIncremental: %w", err)
	}
	fresh := make(map[string]domain.Transaction, len(reprocess))
	for _, t := range outcome.DirectCosts {
		fresh[t.TransactionID] = t
	}
	for _, t := range outcome.BookedMeasures {
		fresh[t.TransactionID] = t
	}
	for _, t := range outcome.Outliers {
		fresh[t.TransactionID] = t
	}

	var merged PostingOutcome
	for _, p := range in.Postings {
		t, ok := fresh[p.ID]
		if !ok {
			t = prevByPosting[p.ID]
		}
		switch v := t.(type) {
		case *domain.DirectCost:
			merged.DirectCosts = append(merged.DirectCosts, v)
		case *domain.BookedMeasure:
			merged.BookedMeasures = append(merged.BookedMeasures, v)
		case *domain.Outlier:
			merged.Outliers = append(merged.Outliers, v)
		}
	}

	matched := matchedFromBooked(merged.BookedMeasures)
	parked := ClassifyUnbooked(rc, in.Measures, matched, prevParked)

	res := assemble(merged, parked, in.Previous)
	res.Statistics.TotalPostings = len(in.Postings)
	res.Statistics.TotalMeasures = len(in.Measures)
	res.Statistics.ProcessedPostings = len(reprocess)

	span.SetAttributes(
		attribute.Int("postings", len(in.Postings)),
		attribute.Int("reprocessed", len(reprocess)),
	)
	log.Info().
		Int("postings", len(in.Postings)).
		Int("reprocessed", len(reprocess)).
		Int("retained", len(in.Postings)-len(reprocess)).
		Int("transactions", res.Statistics.TotalTransactions).
		Msg("Incremental reconciliation complete")
	return res, nil
}

func needsReprocessing(rc *RunContext, p domain.Posting, prev map[string]domain.Transaction, measures map[int]domain.Measure, in IncrementalInputs) bool {
	if _, ok := in.ChangedPostings[p.ID]; ok {
		return true
	}
	old, ok := prev[p.ID]
	if !ok {
		return true
	}
	if order, ok := rc.OrderNumber(p.Text); ok {
		if _, changed := in.ChangedMeasures[order]; changed {
			return true
		}
	}
	if b, ok := old.(*domain.BookedMeasure); ok {
		if _, exists := measures[b.OrderNumber]; !exists {
			return true
		}
	}
	return false
}

func previousByPosting(prev *domain.Result) map[string]domain.Transaction {
	idx := make(map[string]domain.Transaction, len(prev.DirectCosts)+len(prev.BookedMeasures)+len(prev.Outliers))
	for _, t := range prev.DirectCosts {
		idx[t.TransactionID] = t
	}
	for _, t := range prev.BookedMeasures {
		idx[t.TransactionID] = t
	}
	for _, t := range prev.Outliers {
		idx[t.TransactionID] = t
	}
	return idx
}
