package sale

import (
	"context"
	"time"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

// Tx is the unit of work handed to InTx callbacks. Everything written
// through it, including stock adjustments and audit entries, commits or
// rolls back together.
type Tx interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	// LockTransaction loads a transaction and holds it exclusively until the
	// unit of work ends.
	LockTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error

	InsertRefund(ctx context.Context, r *Refund) error
	LockRefund(ctx context.Context, id string) (*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund) error
	RefundsFor(ctx context.Context, transactionID string) ([]Refund, error)

	Ledger() stock.Ledger
	Audit() audit.Trail
}

// Store runs units of work and serves read access for reporting.
type Store interface {
	Reader
	// InTx runs fn in a unit of work. A non-nil error from fn rolls back
	// every write made through tx and is returned unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Status    Status
	CashierID string
	From, To  time.Time
	Limit     int
}

// RefundFilter narrows refund listings.
type RefundFilter struct {
	TransactionID string
	Status        RefundStatus
	From, To      time.Time
	Limit         int
}

// Reader is read-only access to sale records.
type Reader interface {
	Transaction(ctx context.Context, id string) (*Transaction, error)
	Transactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	Refund(ctx context.Context, id string) (*Refund, error)
	Refunds(ctx context.Context, f RefundFilter) ([]Refund, error)
}

// DefaultLimit caps listings when a filter leaves Limit unset.
const DefaultLimit = 100

// EffectiveLimit returns l or DefaultLimit.
func EffectiveLimit(l int) int {
	if l <= 0 || l > 1000 {
		return DefaultLimit
	}
	return l
}
