package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Category is the reconciliation outcome of one transaction.
type Category string

const (
	CategoryDirectCost        Category = "DIRECT_COST"
	CategoryBookedMeasure     Category = "BOOKED_MEASURE"
	CategoryParkedMeasure     Category = "PARKED_MEASURE"
	CategoryUnassignedMeasure Category = "UNASSIGNED_MEASURE"
	CategoryOutlier           Category = "OUTLIER"
	// CategoryPlaceholder marks entries maintained outside the engine.
	CategoryPlaceholder Category = "PLACEHOLDER"
)

// BudgetImpact says how a transaction counts against a budget.
type BudgetImpact string

const (
	ImpactBooked   BudgetImpact = "Booked"
	ImpactReserved BudgetImpact = "Reserved"
	ImpactNone     BudgetImpact = "None"
)

// BudgetImpact is fixed by the category.
func (c Category) BudgetImpact() BudgetImpact {
	switch c {
	case CategoryDirectCost, CategoryBookedMeasure:
		return ImpactBooked
	case CategoryParkedMeasure, CategoryUnassignedMeasure:
		return ImpactReserved
	default:
		return ImpactNone
	}
}

// Status labels shown to users.
const (
	StatusUnknownLocation    = "Unknown Location"
	StatusDirectBooked       = "Direct Booked"
	StatusBooked             = "Booked"
	StatusManuallyAssigned   = "Manually assigned, awaiting SAP"
	StatusAwaitingAssignment = "Awaiting Assignment"
)

// Header holds the fields shared by every transaction variant.
type Header struct {
	TransactionID string       `json:"transaction_id"`
	Category      Category     `json:"category"`
	Status        string       `json:"status"`
	BudgetImpact  BudgetImpact `json:"budget_impact"`
	Department    string       `json:"department"`
	Region        string       `json:"region"`
	District      string       `json:"district"`
	LocationType  LocationType `json:"location_type"`
}

// NewHeader builds a header whose budget impact follows the category.
func NewHeader(id string, category Category, status string, loc LocationInfo, lt LocationType) Header {
	if lt == "" {
		lt = LocationUnknown
	}
	return Header{
		TransactionID: id,
		Category:      category,
		Status:        status,
		BudgetImpact:  category.BudgetImpact(),
		Department:    loc.Department,
		Region:        loc.Region,
		District:      loc.District,
		LocationType:  lt,
	}
}

// Base returns the shared header. It is promoted to every variant.
func (h *Header) Base() *Header { return h }

// Location returns the resolved location fields.
func (h *Header) Location() LocationInfo {
	return LocationInfo{Department: h.Department, Region: h.Region, District: h.District}
}

// Transaction is one of *DirectCost, *BookedMeasure, *ParkedMeasure,
// *UnassignedMeasure, *Outlier or *Placeholder.
type Transaction interface {
	Base() *Header
}

// DirectCost is a posting with a known location and no matching measure.
type DirectCost struct {
	Header
	CostCenter  string          `json:"cost_center"`
	Amount      decimal.Decimal `json:"amount"`
	Text        string          `json:"text"`
	BookingDate *civil.Date     `json:"booking_date,omitempty"`
}

// BookedMeasure is a posting matched to a measure by order number.
type BookedMeasure struct {
	Header
	CostCenter       string          `json:"cost_center"`
	Text             string          `json:"text"`
	BookingDate      *civil.Date     `json:"booking_date,omitempty"`
	OrderNumber      int             `json:"order_number"`
	MeasureTitle     string          `json:"measure_title"`
	EstimatedAmount  decimal.Decimal `json:"estimated_amount"`
	ActualAmount     decimal.Decimal `json:"actual_amount"`
	Variance         decimal.Decimal `json:"variance"`
	PreviouslyParked bool            `json:"previously_parked"`
}

// ManualAssignment records who placed a measure and when.
type ManualAssignment struct {
	Region     string     `json:"region"`
	District   string     `json:"district"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
}

// ParkedMeasure is an unbooked measure that a person has placed in a region.
type ParkedMeasure struct {
	Header
	OrderNumber      int               `json:"order_number"`
	MeasureTitle     string            `json:"measure_title"`
	EstimatedAmount  decimal.Decimal   `json:"estimated_amount"`
	GroupMembership  string            `json:"group_membership"`
	RequestDate      *civil.Date       `json:"request_date,omitempty"`
	ManualAssignment *ManualAssignment `json:"manual_assignment,omitempty"`
}

// UnassignedMeasure is an unbooked measure nobody has placed yet.
type UnassignedMeasure struct {
	Header
	OrderNumber     int             `json:"order_number"`
	MeasureTitle    string          `json:"measure_title"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	GroupMembership string          `json:"group_membership"`
	RequestDate     *civil.Date     `json:"request_date,omitempty"`
}

// Outlier is a posting whose cost center could not be resolved.
type Outlier struct {
	Header
	CostCenter  string          `json:"cost_center"`
	Amount      decimal.Decimal `json:"amount"`
	Text        string          `json:"text"`
	BookingDate *civil.Date     `json:"booking_date,omitempty"`
}

// Placeholder is an entry created by manual processes. Its original JSON
// is kept verbatim so that it survives every run unchanged.
type Placeholder struct {
	Header
	Raw json.RawMessage `json:"-"`
}

// MarshalJSON writes the original document back.
func (p Placeholder) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(p.Header)
}

// PostingID returns the id of the posting a transaction came from, or "".
func PostingID(t Transaction) string {
	switch t.(type) {
	case *DirectCost, *BookedMeasure, *Outlier:
		return t.Base().TransactionID
	}
	return ""
}

// OrderNumberOf returns the measure order number a transaction refers to.
func OrderNumberOf(t Transaction) (int, bool) {
	switch v := t.(type) {
	case *BookedMeasure:
		return v.OrderNumber, true
	case *ParkedMeasure:
		return v.OrderNumber, true
	case *UnassignedMeasure:
		return v.OrderNumber, true
	}
	return 0, false
}

// DecodeTransaction restores the variant named by the "category" field.
// Unknown categories decode as placeholders.
func DecodeTransaction(raw json.RawMessage) (Transaction, error) {
	var head Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("DecodeTransaction: header: %w", err)
	}

	var t Transaction
	switch head.Category {
	case CategoryDirectCost:
		t = &DirectCost{}
	case CategoryBookedMeasure:
		t = &BookedMeasure{}
	case CategoryParkedMeasure:
		t = &ParkedMeasure{}
	case CategoryUnassignedMeasure:
		t = &UnassignedMeasure{}
	case CategoryOutlier:
		t = &Outlier{}
	default:
		return DecodePlaceholder(raw)
	}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("DecodeTransaction: %s: %w", head.Category, err)
	}
	return t, nil
}

// DecodePlaceholder wraps raw as a placeholder regardless of its category.
func DecodePlaceholder(raw json.RawMessage) (*Placeholder, error) {
	p := &Placeholder{Raw: append(json.RawMessage(nil), raw...)}
	if err := json.Unmarshal(raw, &p.Header); err != nil {
		return nil, fmt.Errorf("DecodePlaceholder: %w", err)
	}
	if p.Category == "" {
		p.Category = CategoryPlaceholder
	}
	return p, nil
}
