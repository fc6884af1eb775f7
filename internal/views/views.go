// Package views aggregates a reconciliation result into the summaries
// shown by the frontend.
package views

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// DepartmentSummary totals one (department, location type) group.
type DepartmentSummary struct {
	Department       string              `json:"department"`
	LocationType     domain.LocationType `json:"location_type"`
	BookedAmount     decimal.Decimal     `json:"booked_amount"`
	ReservedAmount   decimal.Decimal     `json:"reserved_amount"`
	TransactionCount int                 `json:"transaction_count"`
	Regions          []string            `json:"regions"`
	Districts        []string            `json:"districts"`
}

// RegionSummary totals one (department, region, location type) group.
type RegionSummary struct {
	Department       string              `json:"department"`
	Region           string              `json:"region"`
	LocationType     domain.LocationType `json:"location_type"`
	BookedAmount     decimal.Decimal     `json:"booked_amount"`
	ReservedAmount   decimal.Decimal     `json:"reserved_amount"`
	TransactionCount int                 `json:"transaction_count"`
	Districts        []string            `json:"districts"`
}

// AwaitingGroup lists the measures of one department that nobody has
// assigned yet. Department may be empty.
type AwaitingGroup struct {
	Department      string                      `json:"department"`
	Count           int                         `json:"count"`
	EstimatedAmount decimal.Decimal             `json:"estimated_amount"`
	Measures        []*domain.UnassignedMeasure `json:"measures"`
}

// Views are the three frontend documents.
type Views struct {
	Departments        []DepartmentSummary `json:"departments"`
	Regions            []RegionSummary     `json:"regions"`
	AwaitingAssignment []AwaitingGroup     `json:"awaiting_assignment"`
}

// Build computes every view from txs.
func Build(txs []domain.Transaction) Views {
	return Views{
		Departments:        Departments(txs),
		Regions:            Regions(txs),
		AwaitingAssignment: AwaitingAssignment(txs),
	}
}

type amounts struct {
	Amount          *decimal.Decimal `json:"amount"`
	ActualAmount    *decimal.Decimal `json:"actual_amount"`
	EstimatedAmount *decimal.Decimal `json:"estimated_amount"`
}

func amountsOf(t domain.Transaction) amounts {
	switch v := t.(type) {
	case *domain.DirectCost:
		return amounts{Amount: &v.Amount}
	case *domain.BookedMeasure:
		return amounts{ActualAmount: &v.ActualAmount, EstimatedAmount: &v.EstimatedAmount}
	case *domain.ParkedMeasure:
		return amounts{EstimatedAmount: &v.EstimatedAmount}
	case *domain.UnassignedMeasure:
		return amounts{EstimatedAmount: &v.EstimatedAmount}
	case *domain.Outlier:
		return amounts{Amount: &v.Amount}
	case *domain.Placeholder:
		var a amounts
		_ = json.Unmarshal(v.Raw, &a)
		return a
	}
	return amounts{}
}

// contribution returns what t adds to the booked and reserved totals.
func contribution(t domain.Transaction) (booked, reserved decimal.Decimal) {
	a := amountsOf(t)
	switch t.Base().BudgetImpact {
	case domain.ImpactBooked:
		switch {
		case a.Amount != nil:
			return *a.Amount, decimal.Zero
		case a.ActualAmount != nil:
			return *a.ActualAmount, decimal.Zero
		}
	case domain.ImpactReserved:
		if a.EstimatedAmount != nil {
			return decimal.Zero, *a.EstimatedAmount
		}
	}
	return decimal.Zero, decimal.Zero
}

type stringSet map[string]struct{}

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Departments groups txs by department and location type. Transactions
// without a department are skipped.
func Departments(txs []domain.Transaction) []DepartmentSummary {
	type group struct {
		sum       DepartmentSummary
		regions   stringSet
		districts stringSet
	}
	groups := map[string]*group{}
	for _, t := range txs {
		h := t.Base()
		if h.Department == "" {
			continue
		}
		key := domain.DepartmentKey(h.Department, h.LocationType)
		g, ok := groups[key]
		if !ok {
			g = &group{
				sum:       DepartmentSummary{Department: h.Department, LocationType: h.LocationType},
				regions:   stringSet{},
				districts: stringSet{},
			}
			groups[key] = g
		}
		booked, reserved := contribution(t)
		g.sum.BookedAmount = g.sum.BookedAmount.Add(booked)
		g.sum.ReservedAmount = g.sum.ReservedAmount.Add(reserved)
		g.sum.TransactionCount++
		g.regions.add(h.Region)
		g.districts.add(h.District)
	}

	out := make([]DepartmentSummary, 0, len(groups))
	for _, g := range groups {
		g.sum.Regions = g.regions.sorted()
		g.sum.Districts = g.districts.sorted()
		out = append(out, g.sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Department != out[j].Department {
			return out[i].Department < out[j].Department
		}
		return out[i].LocationType < out[j].LocationType
	})
	return out
}

// Regions groups txs by department, region and location type.
// Transactions without a department or region are skipped.
func Regions(txs []domain.Transaction) []RegionSummary {
	type group struct {
		sum       RegionSummary
		districts stringSet
	}
	groups := map[string]*group{}
	for _, t := range txs {
		h := t.Base()
		if h.Department == "" || h.Region == "" {
			continue
		}
		key := domain.RegionKey(h.Department, h.Region, h.LocationType)
		g, ok := groups[key]
		if !ok {
			g = &group{
				sum:       RegionSummary{Department: h.Department, Region: h.Region, LocationType: h.LocationType},
				districts: stringSet{},
			}
			groups[key] = g
		}
		booked, reserved := contribution(t)
		g.sum.BookedAmount = g.sum.BookedAmount.Add(booked)
		g.sum.ReservedAmount = g.sum.ReservedAmount.Add(reserved)
		g.sum.TransactionCount++
		g.districts.add(h.District)
	}

	out := make([]RegionSummary, 0, len(groups))
	for _, g := range groups {
		g.sum.Districts = g.districts.sorted()
		out = append(out, g.sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Department != b.Department {
			return a.Department < b.Department
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		return a.LocationType < b.LocationType
	})
	return out
}

// AwaitingAssignment buckets unassigned measures by department, keeping
// their order within each bucket. Buckets are sorted by department.
func AwaitingAssignment(txs []domain.Transaction) []AwaitingGroup {
	groups := map[string]*AwaitingGroup{}
	for _, t := range txs {
		u, ok := t.(*domain.UnassignedMeasure)
		if !ok {
			continue
		}
		g, ok := groups[u.Department]
		if !ok {
			g = &AwaitingGroup{Department: u.Department}
			groups[u.Department] = g
		}
		g.Count++
		g.EstimatedAmount = g.EstimatedAmount.Add(u.EstimatedAmount)
		g.Measures = append(g.Measures, u)
	}

	out := make([]AwaitingGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}
