// Package stock defines the stock ledger: the authoritative product quantity
// and its append-only adjustment history.
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// ChangeType classifies a stock mutation.
type ChangeType string

const (
	ChangeSale       ChangeType = "sale"
	ChangeRefund     ChangeType = "refund"
	ChangeVoid       ChangeType = "void"
	ChangeAdjustment ChangeType = "adjustment"
	ChangeRestock    ChangeType = "restock"
)

// ReferenceType names the kind of record that caused a mutation.
type ReferenceType string

const (
	RefTransaction ReferenceType = "transaction"
	RefRefund      ReferenceType = "refund"
	RefManual      ReferenceType = "manual"
)

// ErrProductNotFound is returned by Ledger implementations for unknown
// products.
var ErrProductNotFound = errors.New("stock: product not found")

// InsufficientStockError reports that a product cannot cover a request.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

// Level is the current stock position of a product.
type Level struct {
	ProductID    string
	Quantity     int
	ReorderLevel int
}

// Adjustment describes a single signed change to a product's quantity.
type Adjustment struct {
	ProductID     string
	Change        int
	Type          ChangeType
	ReferenceType ReferenceType
	ReferenceID   string
	ActorID       string
	Notes         string
}

// Entry is the immutable history row written for every adjustment.
type Entry struct {
	ID            string
	ProductID     string
	ChangeType    ChangeType
	Before        int
	Change        int
	After         int
	ReferenceType ReferenceType
	ReferenceID   string
	ActorID       string
	Notes         string
	CreatedAt     time.Time
}

// Ledger reads and adjusts stock. Adjust is a compare-and-adjust: it fails
// with *InsufficientStockError and changes nothing when the resulting
// quantity would be negative, and otherwise records exactly one Entry.
type Ledger interface {
	Level(ctx context.Context, productID string) (Level, error)
	Adjust(ctx context.Context, adj Adjustment) (Entry, error)
}

// Filter narrows history listings. Zero values match everything.
type Filter struct {
	ProductID   string
	ReferenceID string
	From, To    time.Time
	Limit       int
}

// History reads the adjustment log.
type History interface {
	Entries(ctx context.Context, f Filter) ([]Entry, error)
}

// Apply computes the entry for adj against the current quantity. It is shared
// by ledger implementations so that the non-negative check and the history
// shape stay identical across stores.
func Apply(before int, adj Adjustment, id string, now time.Time) (Entry, error) {
	after := before + adj.Change
	if after < 0 {
		return Entry{}, &InsufficientStockError{
			ProductID: adj.ProductID,
			Available: before,
			Requested: -adj.Change,
		}
	}
	return Entry{
		ID:            id,
		ProductID:     adj.ProductID,
		ChangeType:    adj.Type,
		Before:        before,
		Change:        adj.Change,
		After:         after,
		ReferenceType: adj.ReferenceType,
		ReferenceID:   adj.ReferenceID,
		ActorID:       adj.ActorID,
		Notes:         adj.Notes,
		CreatedAt:     now,
	}, nil
}
