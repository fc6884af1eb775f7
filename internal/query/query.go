// Package query provides read accessors and manual edits over a
// persisted reconciliation result.
package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/reconcile"
)

var (
	// ErrMeasureNotFound is returned when no unbooked measure has the order number.
	ErrMeasureNotFound = errors.New("measure not found")
	// ErrInvalidAssignment is returned when neither region nor district is given.
	ErrInvalidAssignment = errors.New("region or district is required")
)

// Filter selects transactions. Empty fields match everything; values are
// compared case-insensitively.
type Filter struct {
	Department string
	Region     string
	Status     string
	Category   domain.Category
}

// Match reports whether t passes every set field of f.
func (f Filter) Match(t domain.Transaction) bool {
	h := t.Base()
	return matches(f.Department, h.Department) &&
		matches(f.Region, h.Region) &&
		matches(f.Status, h.Status) &&
		matches(string(f.Category), string(h.Category))
}

func matches(want, got string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(want), got)
}

// Transactions returns the transactions of res that match f, in order.
func Transactions(res *domain.Result, f Filter) []domain.Transaction {
	if res == nil {
		return nil
	}
	out := make([]domain.Transaction, 0)
	for _, t := range res.Transactions {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

// ByDepartment is Transactions filtered on department only.
func ByDepartment(res *domain.Result, department string) []domain.Transaction {
	return Transactions(res, Filter{Department: department})
}

// ByRegion is Transactions filtered on region only.
func ByRegion(res *domain.Result, region string) []domain.Transaction {
	return Transactions(res, Filter{Region: region})
}

// ByStatus is Transactions filtered on status only.
func ByStatus(res *domain.Result, status string) []domain.Transaction {
	return Transactions(res, Filter{Status: status})
}

// ByCategory is Transactions filtered on category only.
func ByCategory(res *domain.Result, category domain.Category) []domain.Transaction {
	return Transactions(res, Filter{Category: category})
}

// Assignment is a manual placement of an unbooked measure.
type Assignment struct {
	Region     string
	District   string
	AssignedBy string
	At         time.Time
}

// AssignMeasure places an unbooked measure in a region and district. An
// unassigned measure becomes parked; a parked one is moved. The result is
// updated in place and its transactions rebuilt.
func AssignMeasure(res *domain.Result, orderNumber int, a Assignment) (*domain.ParkedMeasure, error) {
	a.Region = strings.TrimSpace(a.Region)
	a.District = strings.TrimSpace(a.District)
	if a.Region == "" && a.District == "" {
		return nil, fmt.Errorf("AssignMeasure: %w", ErrInvalidAssignment)
	}
	if res == nil {
		return nil, fmt.Errorf("AssignMeasure: %d: %w", orderNumber, ErrMeasureNotFound)
	}

	at := a.At.UTC()
	manual := &domain.ManualAssignment{
		Region:     a.Region,
		District:   a.District,
		AssignedBy: a.AssignedBy,
		AssignedAt: &at,
	}

	for i, t := range res.ParkedMeasures {
		var parked *domain.ParkedMeasure
		switch v := t.(type) {
		case *domain.UnassignedMeasure:
			if v.OrderNumber != orderNumber {
				continue
			}
			lt := v.LocationType
			if lt == "" || lt == domain.LocationUnknown {
				lt = reconcile.InferLocationType(v.Department)
			}
			loc := domain.LocationInfo{Department: v.Department, Region: a.Region, District: a.District}
			parked = &domain.ParkedMeasure{
				Header:          domain.NewHeader(v.TransactionID, domain.CategoryParkedMeasure, domain.StatusManuallyAssigned, loc, lt),
				OrderNumber:     v.OrderNumber,
				MeasureTitle:    v.MeasureTitle,
				EstimatedAmount: v.EstimatedAmount,
				GroupMembership: v.GroupMembership,
				RequestDate:     v.RequestDate,
			}
		case *domain.ParkedMeasure:
			if v.OrderNumber != orderNumber {
				continue
			}
			cp := *v
			cp.Region = a.Region
			cp.District = a.District
			parked = &cp
		default:
			continue
		}
		parked.ManualAssignment = manual
		res.ParkedMeasures[i] = parked
		res.Finalize()
		return parked, nil
	}
	return nil, fmt.Errorf("AssignMeasure: %d: %w", orderNumber, ErrMeasureNotFound)
}
