package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Row is one source-table row keyed by column name, as returned by the
// tabular readers. Values are whatever the backend produced: strings,
// int64, float64, bool, time.Time, civil.Date, *big.Rat or nil.
type Row map[string]any

// Source table columns.
const (
	ColPostingID       = "id"
	ColCostCenter      = "cost_center"
	ColAmount          = "amount"
	ColText            = "text"
	ColBookingDate     = "booking_date"
	ColOrderNumber     = "order_number"
	ColTitle           = "title"
	ColEstimatedBudget = "estimated_budget"
	ColGroupMembership = "group_membership"
	ColRequestDate     = "request_date"
	ColDepartment      = "department"
	ColRegion          = "region"
	ColDistrict        = "district"
)

var dateLayouts = []string{"2006-01-02", "02.01.2006", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05", "01/02/2006"}

// FormatValue renders a row value as text. The boolean is false for nil
// values so callers can skip them.
func FormatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int:
		return strconv.Itoa(val), true
	case *big.Rat:
		if val == nil {
			return "", false
		}
		return decimal.NewFromBigRat(val, 6).String(), true
	case decimal.Decimal:
		return val.String(), true
	case time.Time:
		return val.UTC().Format(time.RFC3339), true
	case civil.Date:
		return val.String(), true
	case *civil.Date:
		if val == nil {
			return "", false
		}
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}

// Str returns the trimmed text of column col, or "".
func (r Row) Str(col string) string {
	s, _ := FormatValue(r[col])
	return strings.TrimSpace(s)
}

// Decimal parses column col as an amount. Unparseable or missing values
// yield zero. Both "1234.56" and German "1.234,56" notations are accepted.
func (r Row) Decimal(col string) decimal.Decimal {
	switch val := r[col].(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case int64:
		return decimal.NewFromInt(val)
	case int:
		return decimal.NewFromInt(int64(val))
	case *big.Rat:
		if val == nil {
			return decimal.Zero
		}
		return decimal.NewFromBigRat(val, 6)
	case decimal.Decimal:
		return val
	}
	return ParseAmount(r.Str(col))
}

// ParseAmount parses a textual amount, returning zero when it cannot.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "EUR"), "€")
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return decimal.Zero
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") && strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			// 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		} else {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Int parses column col as an integer. Float-looking values such as
// "3050.0" are accepted when they have no fractional part.
func (r Row) Int(col string) (int, bool) {
	switch val := r[col].(type) {
	case int64:
		return int(val), true
	case int:
		return val, true
	case float64:
		if val != float64(int64(val)) {
			return 0, false
		}
		return int(val), true
	}
	s := r.Str(col)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}

// Date parses column col as a calendar date, or returns nil.
func (r Row) Date(col string) *civil.Date {
	switch val := r[col].(type) {
	case civil.Date:
		return &val
	case time.Time:
		d := civil.DateOf(val)
		return &d
	}
	s := r.Str(col)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := civil.DateOf(t)
			return &d
		}
	}
	return nil
}
