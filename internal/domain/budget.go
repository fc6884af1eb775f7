package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// KeyDelimiter joins the name parts of a budget key.
const KeyDelimiter = "|"

// Allocation is one manually maintained budget line.
type Allocation struct {
	AllocatedBudget decimal.Decimal `json:"allocated_budget"`
	LocationType    LocationType    `json:"location_type"`
	Department      string          `json:"department"`
	Region          string          `json:"region,omitempty"`
	LastUpdated     *time.Time      `json:"last_updated,omitempty"`
}

// BudgetAllocation holds budgets per department and per region.
type BudgetAllocation struct {
	Departments map[string]Allocation `json:"departments"`
	Regions     map[string]Allocation `json:"regions"`
}

// NewBudgetAllocation returns an allocation with empty, non-nil maps.
func NewBudgetAllocation() BudgetAllocation {
	return BudgetAllocation{
		Departments: map[string]Allocation{},
		Regions:     map[string]Allocation{},
	}
}

// Clone returns a deep copy.
func (b BudgetAllocation) Clone() BudgetAllocation {
	out := NewBudgetAllocation()
	for k, v := range b.Departments {
		out.Departments[k] = v
	}
	for k, v := range b.Regions {
		out.Regions[k] = v
	}
	return out
}

// DepartmentKey is "<department>|<location_type>".
func DepartmentKey(department string, lt LocationType) string {
	return department + KeyDelimiter + string(lt)
}

// RegionKey is "<department>|<region>|<location_type>".
func RegionKey(department, region string, lt LocationType) string {
	return strings.Join([]string{department, region, string(lt)}, KeyDelimiter)
}

// ObservedDepartment is a (department, location type) pair seen in a run.
type ObservedDepartment struct {
	Department   string
	LocationType LocationType
}

// Key returns the budget key.
func (o ObservedDepartment) Key() string { return DepartmentKey(o.Department, o.LocationType) }

// ObservedRegion is a (department, region, location type) triple seen in a run.
type ObservedRegion struct {
	Department   string
	Region       string
	LocationType LocationType
}

// Key returns the budget key.
func (o ObservedRegion) Key() string { return RegionKey(o.Department, o.Region, o.LocationType) }
