// Package budget keeps the manually maintained budget allocation in step
// with the departments and regions a run observes, without ever touching
// values a person entered.
package budget

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// ErrNegativeBudget is returned when an allocation is below zero.
var ErrNegativeBudget = errors.New("negative budget")

// Observe collects the department and region keys present in res.
// Transactions without a department are ignored, as are regions without
// a name. The output is sorted by key.
func Observe(res *domain.Result) ([]domain.ObservedDepartment, []domain.ObservedRegion) {
	depts := map[string]domain.ObservedDepartment{}
	regions := map[string]domain.ObservedRegion{}
	for _, t := range res.Transactions {
		h := t.Base()
		if h.Department == "" {
			continue
		}
		d := domain.ObservedDepartment{Department: h.Department, LocationType: h.LocationType}
		depts[d.Key()] = d
		if h.Region != "" {
			r := domain.ObservedRegion{Department: h.Department, Region: h.Region, LocationType: h.LocationType}
			regions[r.Key()] = r
		}
	}

	outD := make([]domain.ObservedDepartment, 0, len(depts))
	for _, d := range depts {
		outD = append(outD, d)
	}
	sort.Slice(outD, func(i, j int) bool { return outD[i].Key() < outD[j].Key() })

	outR := make([]domain.ObservedRegion, 0, len(regions))
	for _, r := range regions {
		outR = append(outR, r)
	}
	sort.Slice(outR, func(i, j int) bool { return outR[i].Key() < outR[j].Key() })
	return outD, outR
}

// Merge returns existing plus a zero allocation for every observed key it
// lacks. Existing entries are copied unchanged and none are removed.
// existing is not modified.
func Merge(existing domain.BudgetAllocation, depts []domain.ObservedDepartment, regions []domain.ObservedRegion) domain.BudgetAllocation {
	out := existing.Clone()
	for _, d := range depts {
		key := d.Key()
		if _, ok := out.Departments[key]; ok {
			continue
		}
		out.Departments[key] = domain.Allocation{
			AllocatedBudget: decimal.Zero,
			LocationType:    d.LocationType,
			Department:      d.Department,
		}
	}
	for _, r := range regions {
		key := r.Key()
		if _, ok := out.Regions[key]; ok {
			continue
		}
		out.Regions[key] = domain.Allocation{
			AllocatedBudget: decimal.Zero,
			LocationType:    r.LocationType,
			Department:      r.Department,
			Region:          r.Region,
		}
	}
	return out
}

// Added reports how many keys merged has beyond existing.
func Added(existing, merged domain.BudgetAllocation) int {
	return len(merged.Departments) - len(existing.Departments) + len(merged.Regions) - len(existing.Regions)
}

// Validate rejects negative allocations.
func Validate(b domain.BudgetAllocation) error {
	for _, key := range sortedKeys(b.Departments) {
		if b.Departments[key].AllocatedBudget.IsNegative() {
			return fmt.Errorf("department %q: %w", key, ErrNegativeBudget)
		}
	}
	for _, key := range sortedKeys(b.Regions) {
		if b.Regions[key].AllocatedBudget.IsNegative() {
			return fmt.Errorf("region %q: %w", key, ErrNegativeBudget)
		}
	}
	return nil
}

func sortedKeys(m map[string]domain.Allocation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
