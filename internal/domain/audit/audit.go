// Package audit defines the append-only action log written by every mutating
// operation.
package audit

import (
	"context"
	"time"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actions recorded by the engine.
const (
	ActionProcessSale      = "process_sale"
	ActionPaymentDeclined  = "payment_declined"
	ActionVoidTransaction  = "void_transaction"
	ActionProcessRefund    = "process_refund"
	ActionCancelRefund     = "cancel_refund"
	ActionDiscountOverride = "apply_discount_override"
	ActionAdjustStock      = "adjust_stock"
)

// Resource types.
const (
	ResourceTransaction = "transaction"
	ResourceRefund      = "refund"
	ResourceCart        = "cart"
	ResourceProduct     = "product"
)

// Entry is a single audit row. ActorID is empty for system actions.
type Entry struct {
	ID           string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	Details      map[string]string
	RemoteAddr   string
	CreatedAt    time.Time
}

// Trail appends entries. Implementations assign ID and CreatedAt when they
// are zero.
type Trail interface {
	Append(ctx context.Context, e *Entry) error
}

// Filter narrows listings. Zero values match everything.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	From, To     time.Time
	Limit        int
	// After is an exclusive cursor on (CreatedAt, ID) for paging.
	After *Cursor
}

// Cursor identifies a position in the ordered trail.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Reader lists entries ordered by CreatedAt then ID.
type Reader interface {
	Logs(ctx context.Context, f Filter) ([]Entry, error)
}

type remoteAddrKey struct{}

// WithRemoteAddr stores the client address recorded on entries appended with
// the returned context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// RemoteAddr returns the address stored by WithRemoteAddr.
func RemoteAddr(ctx context.Context) string {
	if v, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		return v
	}
	return ""
}
