package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTotals(t *testing.T) {
	rate := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	tests := []struct {
		name     string
		lines    []Line
		discount Discount
		want     Totals
	}{
		{
			name:  "single taxed line",
			lines: []Line{{UnitPrice: 1000, Quantity: 2, TaxRate: rate("0.18")}},
			want:  Totals{Subtotal: 2000, Tax: 360, Total: 2360},
		},
		{
			name: "tax rounded once across lines",
			lines: []Line{
				{UnitPrice: 111, Quantity: 1, TaxRate: rate("0.075")},
				{UnitPrice: 111, Quantity: 1, TaxRate: rate("0.075")},
				{UnitPrice: 111, Quantity: 1, TaxRate: rate("0.075")},
			},
			want: Totals{Subtotal: 333, Tax: 25, Total: 358},
		},
		{
			name:     "fractional percentage",
			lines:    []Line{{UnitPrice: 1999, Quantity: 1, TaxRate: decimal.Zero}},
			discount: Discount{Type: DiscountPercentage, Percent: rate("12.5")},
			want:     Totals{Subtotal: 1999, Discount: 250, Total: 1749},
		},
		{
			name:     "fixed capped at subtotal",
			lines:    []Line{{UnitPrice: 500, Quantity: 1, TaxRate: rate("0.10")}},
			discount: Discount{Type: DiscountFixed, Amount: 800},
			want:     Totals{Subtotal: 500, Discount: 500, Tax: 50, Total: 50},
		},
		{
			name:     "percentage capped at subtotal",
			lines:    []Line{{UnitPrice: 500, Quantity: 1}},
			discount: Discount{Type: DiscountPercentage, Percent: rate("150")},
			want:     Totals{Subtotal: 500, Discount: 500, Total: 0},
		},
		{
			name:  "line discount reduces tax base",
			lines: []Line{{UnitPrice: 1000, Quantity: 1, Discount: 200, TaxRate: rate("0.05")}},
			want:  Totals{Subtotal: 800, Tax: 40, Total: 840},
		},
		{
			name: "empty",
			want: Totals{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotals(tt.lines, tt.discount)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.Subtotal-got.Discount+got.Tax, got.Total)
		})
	}
}

func TestLineNet_ClampsDiscount(t *testing.T) {
	l := Line{UnitPrice: 100, Quantity: 2, Discount: 500}
	assert.Equal(t, int64(0), l.Net())
}

func TestParseDiscountType(t *testing.T) {
	dt, err := ParseDiscountType("")
	require.NoError(t, err)
	assert.Equal(t, DiscountNone, dt)

	_, err = ParseDiscountType("bogus")
	require.ErrorIs(t, err, ErrInvalidDiscount)
}
