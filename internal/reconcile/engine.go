package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
)

const (
	DefaultWorkers   = 8
	DefaultChunkSize = 1000
)

var tracer = otel.Tracer("github.com/dvloznov/msp-reconciler/internal/reconcile")

// Engine classifies postings and measures into a Result.
type Engine struct {
	Workers   int
	ChunkSize int
}

// NewEngine returns an engine; non-positive values fall back to defaults.
func NewEngine(workers, chunkSize int) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{Workers: workers, ChunkSize: chunkSize}
}

// Inputs are the source records of a full run.
type Inputs struct {
	Postings []domain.Posting
	Measures []domain.Measure
	// Previous is the last persisted result, or nil on the first run.
	Previous *domain.Result
}

// PostingOutcome holds the classified postings of one pass.
type PostingOutcome struct {
	DirectCosts    []*domain.DirectCost
	BookedMeasures []*domain.BookedMeasure
	Outliers       []*domain.Outlier
}

func (o *PostingOutcome) append(other PostingOutcome) {
	o.DirectCosts = append(o.DirectCosts, other.DirectCosts...)
	o.BookedMeasures = append(o.BookedMeasures, other.BookedMeasures...)
	o.Outliers = append(o.Outliers, other.Outliers...)
}

// MatchedSet is the set of order numbers booked by at least one posting.
// It is only built once every posting has been classified.
type MatchedSet struct {
	orders map[int]struct{}
}

// Has reports whether order was matched.
func (m MatchedSet) Has(order int) bool {
	_, ok := m.orders[order]
	return ok
}

// Len is the number of matched order numbers.
func (m MatchedSet) Len() int { return len(m.orders) }

func matchedFromBooked(booked []*domain.BookedMeasure) MatchedSet {
	m := MatchedSet{orders: make(map[int]struct{}, len(booked))}
	for _, b := range booked {
		m.orders[b.OrderNumber] = struct{}{}
	}
	return m
}

// ParkedRecord is what the previous run knew about an unbooked measure.
type ParkedRecord struct {
	Region           string
	District         string
	LocationType     domain.LocationType
	ManualAssignment *domain.ManualAssignment
}

// Manual reports whether a person assigned the measure a region or district.
func (p ParkedRecord) Manual() bool {
	return p.Region != "" || p.District != ""
}

// PreviousParkedIndex indexes the parked and unassigned measures of prev
// by order number. A nil prev yields an empty index.
func PreviousParkedIndex(prev *domain.Result) map[int]ParkedRecord {
	idx := make(map[int]ParkedRecord)
	if prev == nil {
		return idx
	}
	for _, t := range prev.ParkedMeasures {
		order, ok := domain.OrderNumberOf(t)
		if !ok {
			continue
		}
		h := t.Base()
		rec := ParkedRecord{Region: h.Region, District: h.District, LocationType: h.LocationType}
		if pm, ok := t.(*domain.ParkedMeasure); ok {
			rec.ManualAssignment = pm.ManualAssignment
		}
		idx[order] = rec
	}
	return idx
}

// IndexMeasures keys measures by order number. Later duplicates win.
func IndexMeasures(measures []domain.Measure) map[int]domain.Measure {
	idx := make(map[int]domain.Measure, len(measures))
	for _, m := range measures {
		idx[m.OrderNumber] = m
	}
	return idx
}

// Run classifies every posting and measure.
func (e *Engine) Run(ctx context.Context, rc *RunContext, in Inputs) (*domain.Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Run")
	defer span.End()
	log := logger.FromContext(ctx)

	measures := IndexMeasures(in.Measures)
	prevParked := PreviousParkedIndex(in.Previous)

	outcome, matched, err := e.ClassifyPostings(ctx, rc, in.Postings, measures, prevParked)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	parked := ClassifyUnbooked(rc, in.Measures, matched, prevParked)

	res := assemble(outcome, parked, in.Previous)
	res.Statistics.TotalPostings = len(in.Postings)
	res.Statistics.TotalMeasures = len(in.Measures)
	res.Statistics.ProcessedPostings = len(in.Postings)

	span.SetAttributes(
		attribute.Int("postings", len(in.Postings)),
		attribute.Int("measures", len(in.Measures)),
		attribute.Int("transactions", res.Statistics.TotalTransactions),
	)
	log.Info().
		Int("postings", len(in.Postings)).
		Int("measures", len(in.Measures)).
		Int("direct_costs", res.Statistics.DirectCosts).
		Int("booked_measures", res.Statistics.BookedMeasures).
		Int("parked_measures", res.Statistics.ParkedMeasures).
		Int("unassigned_measures", res.Statistics.UnassignedMeasures).
		Int("outliers", res.Statistics.Outliers).
		Msg("Reconciliation complete")
	return res, nil
}

// ClassifyPostings splits postings into chunks and classifies them on a
// bounded worker pool. It returns only after every chunk has finished,
// together with the complete matched set. Output order follows input order.
func (e *Engine) ClassifyPostings(
	ctx context.Context,
	rc *RunContext,
	postings []domain.Posting,
	measures map[int]domain.Measure,
	prevParked map[int]ParkedRecord,
) (PostingOutcome, MatchedSet, error) {
	ctx, span := tracer.Start(ctx, "reconcile.ClassifyPostings")
	defer span.End()

	chunkSize := e.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	nChunks := (len(postings) + chunkSize - 1) / chunkSize
	results := make([]PostingOutcome, nChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < nChunks; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(postings))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = classifyChunk(gctx, rc, postings[start:end], measures, prevParked)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PostingOutcome{}, MatchedSet{}, fmt.Errorf("ClassifyPostings: %w", err)
	}

	var out PostingOutcome
	for _, r := range results {
		out.append(r)
	}
	span.SetAttributes(attribute.Int("chunks", nChunks))
	return out, matchedFromBooked(out.BookedMeasures), nil
}

func classifyChunk(
	ctx context.Context,
	rc *RunContext,
	postings []domain.Posting,
	measures map[int]domain.Measure,
	prevParked map[int]ParkedRecord,
) PostingOutcome {
	log := logger.FromContext(ctx)
	var out PostingOutcome
	for _, p := range postings {
		switch t := ClassifyPosting(rc, p, measures, prevParked).(type) {
		case *domain.DirectCost:
			out.DirectCosts = append(out.DirectCosts, t)
		case *domain.BookedMeasure:
			out.BookedMeasures = append(out.BookedMeasures, t)
		case *domain.Outlier:
			out.Outliers = append(out.Outliers, t)
		}
		if hit := rc.orderHit(p.Text); hit.candidates > 1 {
			log.Debug().
				Str("posting_id", p.ID).
				Int("order_number", hit.order).
				Int("candidates", hit.candidates).
				Msg("Posting text has several order numbers, using the first")
		}
	}
	return out
}

// ClassifyPosting classifies a single posting as an outlier, a direct
// cost or a booked measure.
func ClassifyPosting(rc *RunContext, p domain.Posting, measures map[int]domain.Measure, prevParked map[int]ParkedRecord) domain.Transaction {
	res := rc.Resolve(p.CostCenter)
	if !res.Found {
		return &domain.Outlier{
			Header:      domain.NewHeader(p.ID, domain.CategoryOutlier, domain.StatusUnknownLocation, domain.LocationInfo{}, domain.LocationUnknown),
			CostCenter:  p.CostCenter,
			Amount:      p.Amount,
			Text:        p.Text,
			BookingDate: p.BookingDate,
		}
	}

	direct := func() domain.Transaction {
		return &domain.DirectCost{
			Header:      domain.NewHeader(p.ID, domain.CategoryDirectCost, domain.StatusDirectBooked, res.Location, res.LocationType),
			CostCenter:  p.CostCenter,
			Amount:      p.Amount,
			Text:        p.Text,
			BookingDate: p.BookingDate,
		}
	}

	order, ok := rc.OrderNumber(p.Text)
	if !ok {
		return direct()
	}
	m, ok := measures[order]
	if !ok {
		return direct()
	}

	_, wasParked := prevParked[order]
	return &domain.BookedMeasure{
		Header:           domain.NewHeader(p.ID, domain.CategoryBookedMeasure, domain.StatusBooked, res.Location, res.LocationType),
		CostCenter:       p.CostCenter,
		Text:             p.Text,
		BookingDate:      p.BookingDate,
		OrderNumber:      order,
		MeasureTitle:     m.Title,
		EstimatedAmount:  m.EstimatedBudget,
		ActualAmount:     p.Amount,
		Variance:         p.Amount.Sub(m.EstimatedBudget),
		PreviouslyParked: wasParked,
	}
}

// MeasureTransactionID is the transaction id of an unbooked measure.
func MeasureTransactionID(order int) string {
	return "MSP-" + strconv.Itoa(order)
}

// ClassifyUnbooked classifies the measures no posting booked. Measures a
// person previously placed in a region stay parked there; all others are
// awaiting assignment. Department always comes from group membership.
// A repeated order number is emitted once, at its first position, with the
// data of its last occurrence, as IndexMeasures keeps it.
func ClassifyUnbooked(rc *RunContext, measures []domain.Measure, matched MatchedSet, prevParked map[int]ParkedRecord) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(measures)-min(matched.Len(), len(measures)))
	latest := IndexMeasures(measures)
	seen := make(map[int]struct{}, len(measures))
	for _, m := range measures {
		if matched.Has(m.OrderNumber) {
			continue
		}
		if _, dup := seen[m.OrderNumber]; dup {
			continue
		}
		seen[m.OrderNumber] = struct{}{}
		m = latest[m.OrderNumber]

		dept := rc.Department(m.GroupMembership)
		id := MeasureTransactionID(m.OrderNumber)

		if prev, ok := prevParked[m.OrderNumber]; ok && prev.Manual() {
			lt := prev.LocationType
			if lt == "" || lt == domain.LocationUnknown {
				lt = InferLocationType(dept)
			}
			assignment := prev.ManualAssignment
			if assignment == nil {
				assignment = &domain.ManualAssignment{Region: prev.Region, District: prev.District}
			}
			loc := domain.LocationInfo{Department: dept, Region: prev.Region, District: prev.District}
			out = append(out, &domain.ParkedMeasure{
				Header:           domain.NewHeader(id, domain.CategoryParkedMeasure, domain.StatusManuallyAssigned, loc, lt),
				OrderNumber:      m.OrderNumber,
				MeasureTitle:     m.Title,
				EstimatedAmount:  m.EstimatedBudget,
				GroupMembership:  m.GroupMembership,
				RequestDate:      m.RequestDate,
				ManualAssignment: assignment,
			})
			continue
		}

		out = append(out, &domain.UnassignedMeasure{
			Header:          domain.NewHeader(id, domain.CategoryUnassignedMeasure, domain.StatusAwaitingAssignment, domain.LocationInfo{Department: dept}, InferLocationType(dept)),
			OrderNumber:     m.OrderNumber,
			MeasureTitle:    m.Title,
			EstimatedAmount: m.EstimatedBudget,
			GroupMembership: m.GroupMembership,
			RequestDate:     m.RequestDate,
		})
	}
	return out
}

func assemble(outcome PostingOutcome, parked []domain.Transaction, prev *domain.Result) *domain.Result {
	res := &domain.Result{
		DirectCosts:    outcome.DirectCosts,
		BookedMeasures: outcome.BookedMeasures,
		ParkedMeasures: parked,
		Outliers:       outcome.Outliers,
	}
	if prev != nil {
		res.Placeholders = prev.Placeholders
	}
	res.Finalize()
	return res
}
