package memory

import (
	"context"
	"time"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

var _ sale.Tx = (*tx)(nil)

// tx operates on a private copy of the store state.
type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) InsertTransaction(_ context.Context, tr *sale.Transaction) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.now()
	}
	t.st.transactions[tr.ID] = cloneTransaction(*tr)
	return nil
}

func (t *tx) LockTransaction(_ context.Context, id string) (*sale.Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return nil, sale.ErrNotFound
	}
	tr = cloneTransaction(tr)
	return &tr, nil
}

func (t *tx) UpdateTransaction(_ context.Context, tr *sale.Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; !ok {
		return sale.ErrNotFound
	}
	t.st.transactions[tr.ID] = cloneTransaction(*tr)
	return nil
}

func (t *tx) InsertRefund(_ context.Context, r *sale.Refund) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.now()
	}
	t.st.refunds[r.ID] = cloneRefund(*r)
	return nil
}

func (t *tx) LockRefund(_ context.Context, id string) (*sale.Refund, error) {
	r, ok := t.st.refunds[id]
	if !ok {
		return nil, sale.ErrRefundNotFound
	}
	r = cloneRefund(r)
	return &r, nil
}

func (t *tx) UpdateRefund(_ context.Context, r *sale.Refund) error {
	if _, ok := t.st.refunds[r.ID]; !ok {
		return sale.ErrRefundNotFound
	}
	t.st.refunds[r.ID] = cloneRefund(*r)
	return nil
}

func (t *tx) RefundsFor(_ context.Context, transactionID string) ([]sale.Refund, error) {
	var out []sale.Refund
	for _, r := range t.st.refunds {
		if r.TransactionID == transactionID {
			out = append(out, cloneRefund(r))
		}
	}
	return out, nil
}

func (t *tx) Ledger() stock.Ledger { return txLedger{t} }

func (t *tx) Audit() audit.Trail { return txTrail{t} }

type txLedger struct{ t *tx }

func (l txLedger) Level(_ context.Context, productID string) (stock.Level, error) {
	return level(l.t.st, productID)
}

func (l txLedger) Adjust(_ context.Context, adj stock.Adjustment) (stock.Entry, error) {
	return adjust(l.t.st, adj, l.t.now())
}

type txTrail struct{ t *tx }

func (a txTrail) Append(_ context.Context, e *audit.Entry) error {
	appendAudit(a.t.st, e, a.t.now())
	return nil
}
