package domain

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Posting is one accounting entry from the SAP export.
type Posting struct {
	ID          string          `json:"id"`
	CostCenter  string          `json:"cost_center"`
	Amount      decimal.Decimal `json:"amount"`
	Text        string          `json:"text"`
	BookingDate *civil.Date     `json:"booking_date,omitempty"`
}

// Measure is one marketing-spend request from the MSP export.
type Measure struct {
	OrderNumber     int             `json:"order_number"`
	Title           string          `json:"title"`
	EstimatedBudget decimal.Decimal `json:"estimated_budget"`
	GroupMembership string          `json:"group_membership"`
	RequestDate     *civil.Date     `json:"request_date,omitempty"`
}

// PostingFromRow decodes a posting. Bad amounts decode as zero; the row is
// never rejected.
func PostingFromRow(r Row) Posting {
	return Posting{
		ID:          r.Str(ColPostingID),
		CostCenter:  r.Str(ColCostCenter),
		Amount:      r.Decimal(ColAmount),
		Text:        r.Str(ColText),
		BookingDate: r.Date(ColBookingDate),
	}
}

// MeasureFromRow decodes a measure. It reports false when the row has no
// usable order number, since such a measure can never be matched or keyed.
func MeasureFromRow(r Row) (Measure, bool) {
	order, ok := r.Int(ColOrderNumber)
	if !ok {
		return Measure{}, false
	}
	return Measure{
		OrderNumber:     order,
		Title:           r.Str(ColTitle),
		EstimatedBudget: r.Decimal(ColEstimatedBudget),
		GroupMembership: r.Str(ColGroupMembership),
		RequestDate:     r.Date(ColRequestDate),
	}, true
}

// MappingFromRow decodes one cost-center mapping row.
func MappingFromRow(r Row) MappingEntry {
	return MappingEntry{
		Key: r.Str(ColCostCenter),
		LocationInfo: LocationInfo{
			Department: r.Str(ColDepartment),
			Region:     r.Str(ColRegion),
			District:   r.Str(ColDistrict),
		},
	}
}
