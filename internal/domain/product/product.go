package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist or is
// inactive.
var ErrNotFound = errors.New("product not found")

// ErrDuplicateBarcode is returned when a barcode already belongs to another
// product.
var ErrDuplicateBarcode = errors.New("barcode belongs to another product")

// DefaultReorderLevel is used when a catalog entry does not set one.
const DefaultReorderLevel = 10

// Product represents a catalog item that can be sold at the register. Prices
// are integer minor units.
type Product struct {
	ID            string
	Barcode       string
	Name          string
	Description   string
	Category      string
	Price         int64
	Cost          int64
	StockQuantity int
	ReorderLevel  int
	TaxRate       decimal.Decimal
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NeedsReorder reports whether stock is at or below the reorder level.
func (p *Product) NeedsReorder() bool {
	return p.StockQuantity <= p.ReorderLevel
}

// Filter narrows product listings.
type Filter struct {
	Category   string
	ActiveOnly bool
	LowStock   bool
}

// Repository defines read operations for the product catalog. GetByID and
// GetByBarcode return ErrNotFound for inactive products.
type Repository interface {
	List(ctx context.Context, f Filter) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByBarcode(ctx context.Context, barcode string) (*Product, error)
}
