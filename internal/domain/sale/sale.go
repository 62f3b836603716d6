// Package sale holds the persisted records of the register: transactions,
// their item snapshots and refunds, plus the unit-of-work contract that
// checkout and reversal mutate them through.
package sale

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-engine/internal/domain/payment"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("transaction not found")
	ErrRefundNotFound    = errors.New("refund not found")
	ErrAlreadyVoided     = errors.New("transaction already voided")
	ErrTransactionVoided = errors.New("transaction is voided")
	ErrAlreadyRefunded   = errors.New("transaction already fully refunded")
	ErrRefundInProgress  = errors.New("a refund for this transaction is in progress")
)

// Type of a transaction. Voiding is a status, not a type.
type Type string

const TypeSale Type = "sale"

// Status of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusVoided    Status = "voided"
	StatusRefunded  Status = "refunded"
)

// RefundStatus of a refund record.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// Transaction is a sale. Money fields are minor units; Items is immutable
// once the transaction is completed.
type Transaction struct {
	ID               string
	Number           string
	Type             Type
	Status           Status
	Subtotal         int64
	Discount         int64
	DiscountType     string
	Tax              int64
	Total            int64
	PaymentMethod    payment.Method
	PaymentReference string
	PaymentAccount   string
	AmountPaid       int64
	Change           int64
	CashierID        string
	AuthorizedBy     string
	VoidedBy         string
	VoidReason       string
	Items            []Item
	CreatedAt        time.Time
	CompletedAt      *time.Time
	VoidedAt         *time.Time
}

// Item is the snapshot of one sold line.
type Item struct {
	ID        string
	ProductID string
	Barcode   string
	Name      string
	Quantity  int
	UnitPrice int64
	Discount  int64
	TaxRate   decimal.Decimal
	TaxAmount int64
	LineTotal int64
}

// Item returns the item with the given id.
func (t *Transaction) Item(id string) (*Item, bool) {
	for i := range t.Items {
		if t.Items[i].ID == id {
			return &t.Items[i], true
		}
	}
	return nil, false
}

// Refund is a monetary and inventory reversal against a transaction.
type Refund struct {
	ID            string
	Number        string
	TransactionID string
	Amount        int64
	Method        payment.Method
	Reference     string
	Status        RefundStatus
	RefundedBy    string
	AuthorizedBy  string
	Reason        string
	Items         []RefundItem
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// RefundItem is a quantity returned to stock by a refund.
type RefundItem struct {
	TransactionItemID string
	ProductID         string
	Quantity          int
}

// Reserved reports whether the refund counts against the transaction
// balance.
func (r *Refund) Reserved() bool {
	return r.Status == RefundPending || r.Status == RefundCompleted
}

// Balance summarizes the refunds recorded against a transaction.
type Balance struct {
	Completed int64
	Pending   int64
	// Returned is the quantity already restocked per transaction item.
	Returned map[string]int
}

// Summarize folds refunds into a Balance. Failed refunds are ignored.
func Summarize(refunds []Refund) Balance {
	b := Balance{Returned: make(map[string]int)}
	for _, r := range refunds {
		switch r.Status {
		case RefundCompleted:
			b.Completed += r.Amount
		case RefundPending:
			b.Pending += r.Amount
		default:
			continue
		}
		for _, it := range r.Items {
			b.Returned[it.TransactionItemID] += it.Quantity
		}
	}
	return b
}

// Reserved is the amount no longer available for refunding.
func (b Balance) Reserved() int64 {
	return b.Completed + b.Pending
}

// NewNumber returns a unique human-facing number such as
// TXN-20260102150405-1a2b3c4d.
func NewNumber(prefix string, now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s-%x", prefix, now.UTC().Format("20060102150405"), id[:4])
}
