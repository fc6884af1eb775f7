package domain

import (
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "1234.56", want: "1234.56"},
		{name: "german notation", in: "1.234,56", want: "1234.56"},
		{name: "english thousands", in: "1,234.56", want: "1234.56"},
		{name: "comma decimal only", in: "12,5", want: "12.5"},
		{name: "currency suffix", in: "99,90 EUR", want: "99.9"},
		{name: "euro sign", in: "-15,00 €", want: "-15"},
		{name: "empty", in: "", want: "0"},
		{name: "garbage", in: "n/a", want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAmount(tt.in)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRowDecimal(t *testing.T) {
	r := Row{
		"f":   12.5,
		"i":   int64(7),
		"rat": big.NewRat(5, 4),
		"s":   "3,5",
		"nil": nil,
	}

	assert.True(t, r.Decimal("f").Equal(decimal.RequireFromString("12.5")))
	assert.True(t, r.Decimal("i").Equal(decimal.NewFromInt(7)))
	assert.True(t, r.Decimal("rat").Equal(decimal.RequireFromString("1.25")))
	assert.True(t, r.Decimal("s").Equal(decimal.RequireFromString("3.5")))
	assert.True(t, r.Decimal("nil").IsZero())
	assert.True(t, r.Decimal("missing").IsZero())
}

func TestRowInt(t *testing.T) {
	tests := []struct {
		name   string
		val    any
		want   int
		wantOK bool
	}{
		{name: "int64", val: int64(3050), want: 3050, wantOK: true},
		{name: "whole float", val: 3050.0, want: 3050, wantOK: true},
		{name: "fractional float", val: 3050.5, wantOK: false},
		{name: "string", val: " 3050 ", want: 3050, wantOK: true},
		{name: "float string", val: "3050.0", want: 3050, wantOK: true},
		{name: "text", val: "abc", wantOK: false},
		{name: "nil", val: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Row{"n": tt.val}.Int("n")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRowDate(t *testing.T) {
	want := civil.Date{Year: 2024, Month: time.March, Day: 5}

	for _, val := range []any{"2024-03-05", "05.03.2024", want, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)} {
		got := Row{"d": val}.Date("d")
		require.NotNil(t, got, "value %v", val)
		assert.Equal(t, want, *got)
	}

	assert.Nil(t, Row{"d": "not a date"}.Date("d"))
	assert.Nil(t, Row{}.Date("d"))
}

func TestFormatValue(t *testing.T) {
	s, ok := FormatValue(nil)
	assert.False(t, ok)
	assert.Empty(t, s)

	s, ok = FormatValue(10045.0)
	assert.True(t, ok)
	assert.Equal(t, "10045", s)

	s, ok = FormatValue(int64(42))
	assert.True(t, ok)
	assert.Equal(t, "42", s)

	s, _ = FormatValue(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "2024-01-02T03:04:05Z", s)
}

func TestMeasureFromRow(t *testing.T) {
	m, ok := MeasureFromRow(Row{
		ColOrderNumber:     "3050",
		ColTitle:           "Spring flyer",
		ColEstimatedBudget: "1.000,00",
		ColGroupMembership: "Marketing-Gruppe BW",
	})
	require.True(t, ok)
	assert.Equal(t, 3050, m.OrderNumber)
	assert.True(t, m.EstimatedBudget.Equal(decimal.NewFromInt(1000)))
	assert.Nil(t, m.RequestDate)

	_, ok = MeasureFromRow(Row{ColTitle: "no order"})
	assert.False(t, ok)
}

func TestPostingFromRowDegradesBadAmount(t *testing.T) {
	p := PostingFromRow(Row{ColPostingID: int64(17), ColCostCenter: "10045.0", ColAmount: "oops"})
	assert.Equal(t, "17", p.ID)
	assert.Equal(t, "10045.0", p.CostCenter)
	assert.True(t, p.Amount.IsZero())
}
