// Package money converts between integer minor units used by the domain and
// the decimal representation shown at the API boundary.
package money

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits (cents).
const Scale = 2

// ErrNegative is returned when a non-negative amount is required.
var ErrNegative = errors.New("amount must not be negative")

// ToDecimal returns the display value of a minor-unit amount.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// FromDecimal converts a display value into minor units, rounding half away
// from zero at the last minor digit.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Shift(Scale).Round(0).IntPart()
}

// Round rounds an amount that is already expressed in minor units.
func Round(minor decimal.Decimal) int64 {
	return minor.Round(0).IntPart()
}

// Format renders a minor-unit amount with exactly two decimals.
func Format(minor int64) string {
	return ToDecimal(minor).StringFixed(Scale)
}

// Parse reads a display value such as "23.60" into minor units.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d), nil
}

// ParseNonNegative is Parse that rejects negative values.
func ParseNonNegative(s string) (int64, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrNegative
	}
	return v, nil
}
