package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/query"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/views"
)

// WriteSnapshot stores res and the views built from it.
func WriteSnapshot(ctx context.Context, blobs storage.BlobStore, res *domain.Result, v views.Views) error {
	docs := []struct {
		key string
		v   any
	}{
		{storage.KeyResult, res},
		{storage.KeyDepartmentsView, v.Departments},
		{storage.KeyRegionsView, v.Regions},
		{storage.KeyAwaitingView, v.AwaitingAssignment},
	}
	for _, doc := range docs {
		if err := storage.PutJSON(ctx, blobs, doc.key, doc.v); err != nil {
			return err
		}
	}
	return nil
}

// AssignMeasure records a manual assignment in the persisted snapshot so
// the next run keeps the measure parked where it was placed. The views
// are rebuilt to drop it from the awaiting list.
func AssignMeasure(ctx context.Context, blobs storage.BlobStore, orderNumber int, a query.Assignment) (*domain.ParkedMeasure, error) {
	mu := storage.WriteLock(blobs)
	mu.Lock()
	defer mu.Unlock()

	res, err := storage.LoadResult(ctx, blobs)
	if err != nil {
		return nil, fmt.Errorf("AssignMeasure: %w", err)
	}
	parked, err := query.AssignMeasure(res, orderNumber, a)
	if err != nil {
		return nil, err
	}
	if err := WriteSnapshot(ctx, blobs, res, views.Build(res.Transactions)); err != nil {
		return nil, fmt.Errorf("AssignMeasure: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Int("order_number", orderNumber).
		Str("region", parked.Region).
		Str("district", parked.District).
		Str("assigned_by", a.AssignedBy).
		Msg("Assigned measure")
	return parked, nil
}

// CarryAssignments applies to res every manual assignment in stored that
// res does not already carry. Measures that res no longer lists as
// unbooked are skipped. It returns the number of assignments applied.
func CarryAssignments(stored, res *domain.Result) int {
	if stored == nil || res == nil {
		return 0
	}
	current := map[int]*domain.ManualAssignment{}
	for _, t := range res.ParkedMeasures {
		if p, ok := t.(*domain.ParkedMeasure); ok {
			current[p.OrderNumber] = p.ManualAssignment
		}
	}

	applied := 0
	for _, t := range stored.ParkedMeasures {
		p, ok := t.(*domain.ParkedMeasure)
		if !ok || p.ManualAssignment == nil {
			continue
		}
		if sameAssignment(current[p.OrderNumber], p.ManualAssignment) {
			continue
		}
		m := *p.ManualAssignment
		a := query.Assignment{Region: m.Region, District: m.District, AssignedBy: m.AssignedBy}
		if m.AssignedAt != nil {
			a.At = *m.AssignedAt
		}
		parked, err := query.AssignMeasure(res, p.OrderNumber, a)
		if err != nil {
			continue
		}
		parked.ManualAssignment = &m
		applied++
	}
	return applied
}

func sameAssignment(a, b *domain.ManualAssignment) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Region != b.Region || a.District != b.District || a.AssignedBy != b.AssignedBy {
		return false
	}
	if a.AssignedAt == nil || b.AssignedAt == nil {
		return a.AssignedAt == b.AssignedAt
	}
	return a.AssignedAt.Equal(*b.AssignedAt)
}
