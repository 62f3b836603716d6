// Package cart implements the per-actor staging area that precedes a sale.
package cart

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-engine/internal/domain/money"
)

// Sentinel errors for cart operations.
var (
	ErrLineNotFound       = errors.New("cart line not found")
	ErrInvalidDiscount    = errors.New("invalid discount")
	ErrCheckoutInProgress = errors.New("checkout in progress for this cart")
)

// InvalidQuantityError indicates a rejected quantity.
type InvalidQuantityError struct {
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d", e.Quantity)
}

// DiscountType selects how a cart-level discount is computed.
type DiscountType string

const (
	DiscountNone       DiscountType = "none"
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// ParseDiscountType validates a discount type name.
func ParseDiscountType(s string) (DiscountType, error) {
	switch t := DiscountType(s); t {
	case DiscountNone, DiscountPercentage, DiscountFixed:
		return t, nil
	case "":
		return DiscountNone, nil
	default:
		return "", errors.Wrapf(ErrInvalidDiscount, "unknown type %q", s)
	}
}

// Discount is the single cart-level discount. Percent is used for percentage
// discounts, Amount (minor units) for fixed ones.
type Discount struct {
	Type         DiscountType
	Percent      decimal.Decimal
	Amount       int64
	AuthorizedBy string
}

// Line is one product in the cart with price and tax snapshotted when it was
// first added.
type Line struct {
	ID        int
	ProductID string
	Barcode   string
	Name      string
	Quantity  int
	UnitPrice int64
	TaxRate   decimal.Decimal
	Discount  int64
}

// Gross is unit price times quantity.
func (l Line) Gross() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// Net is the line subtotal after the per-line discount.
func (l Line) Net() int64 {
	return l.Gross() - min(l.Discount, l.Gross())
}

// exactTax is the unrounded tax on the line, in minor units.
func (l Line) exactTax() decimal.Decimal {
	return decimal.NewFromInt(l.Net()).Mul(l.TaxRate)
}

// TaxAmount is the line tax rounded for display on a receipt line.
func (l Line) TaxAmount() int64 {
	return money.Round(l.exactTax())
}

// Cart is a per-actor collection of lines.
type Cart struct {
	ActorID   string
	Lines     []Line
	Discount  Discount
	UpdatedAt time.Time

	lastLineID int
}

// Empty reports whether the cart has no lines.
func (c *Cart) Empty() bool {
	return len(c.Lines) == 0
}

// Totals computes the cart totals.
func (c *Cart) Totals() Totals {
	return ComputeTotals(c.Lines, c.Discount)
}

func (c *Cart) line(id int) (int, bool) {
	i := slices.IndexFunc(c.Lines, func(l Line) bool { return l.ID == id })
	return i, i >= 0
}

func (c *Cart) lineForProduct(productID string) (int, bool) {
	i := slices.IndexFunc(c.Lines, func(l Line) bool { return l.ProductID == productID })
	return i, i >= 0
}

func (c *Cart) clone() Cart {
	out := *c
	out.Lines = slices.Clone(c.Lines)
	return out
}

// Totals of a cart, in minor units.
type Totals struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
}

// ComputeTotals sums lines exactly and rounds once per figure. Tax is charged
// on each line's net amount; the cart-level discount does not reduce the tax
// base. Both discount kinds are capped at the subtotal.
func ComputeTotals(lines []Line, d Discount) Totals {
	var (
		subtotal int64
		tax      = decimal.Zero
	)
	for _, l := range lines {
		subtotal += l.Net()
		tax = tax.Add(l.exactTax())
	}

	sub := decimal.NewFromInt(subtotal)
	discount := decimal.Zero
	switch d.Type {
	case DiscountPercentage:
		discount = sub.Mul(d.Percent).Div(decimal.NewFromInt(100))
	case DiscountFixed:
		discount = decimal.NewFromInt(d.Amount)
	}
	if discount.GreaterThan(sub) {
		discount = sub
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	t := Totals{
		Subtotal: subtotal,
		Discount: money.Round(discount),
		Tax:      money.Round(tax),
	}
	t.Total = t.Subtotal - t.Discount + t.Tax
	return t
}
