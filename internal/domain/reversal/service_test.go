package reversal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
	"github.com/xenking/pos-engine/internal/storage/memory"
)

// --- Mock implementations ---

type stubGateway struct {
	err     error
	calls   atomic.Int32
	during  func()
	lastReq payment.RefundRequest
}

func (g *stubGateway) Authorize(context.Context, payment.Request) (*payment.Result, error) {
	return nil, errors.New("not used")
}

func (g *stubGateway) Refund(_ context.Context, req payment.RefundRequest) (*payment.Result, error) {
	g.calls.Add(1)
	g.lastReq = req
	if g.during != nil {
		g.during()
	}
	if g.err != nil {
		return nil, g.err
	}
	return &payment.Result{
		Method:    req.Method,
		Reference: "REF-" + req.OriginalReference,
		Amount:    req.Amount,
	}, nil
}

// --- Helpers ---

var (
	manager = authz.Principal{ActorID: "manager-1", Role: authz.RoleManager}
	cashier = authz.Principal{ActorID: "cashier-1", Role: authz.RoleCashier}
	admin   = authz.Principal{ActorID: "admin-1", Role: authz.RoleAdministrator}
)

type fixture struct {
	store   *memory.Store
	gateway *stubGateway
	svc     *Service
	product string
	tx      *sale.Transaction
}

// newFixture records a completed card sale of 2 units at 10.00 with 18% tax
// and leaves 8 units on hand.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	pid, err := store.UpsertProduct(ctx, product.Product{
		Barcode:       "8901234567890",
		Name:          "Widget",
		Price:         1000,
		StockQuantity: 10,
		TaxRate:       decimal.RequireFromString("0.18"),
		Active:        true,
	})
	require.NoError(t, err)

	now := time.Now()
	tr := &sale.Transaction{
		ID:               "txn-1",
		Number:           "TXN-1",
		Type:             sale.TypeSale,
		Status:           sale.StatusCompleted,
		Subtotal:         2000,
		Tax:              360,
		Total:            2360,
		PaymentMethod:    payment.MethodCard,
		PaymentReference: "CARD-1",
		AmountPaid:       2360,
		CashierID:        cashier.ActorID,
		CompletedAt:      &now,
		Items: []sale.Item{{
			ID:        "item-1",
			ProductID: pid,
			Name:      "Widget",
			Quantity:  2,
			UnitPrice: 1000,
			TaxRate:   decimal.RequireFromString("0.18"),
			TaxAmount: 360,
			LineTotal: 2360,
		}},
	}
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		if err := tx.InsertTransaction(ctx, tr); err != nil {
			return err
		}
		_, err := tx.Ledger().Adjust(ctx, stock.Adjustment{
			ProductID: pid, Change: -2, Type: stock.ChangeSale,
			ReferenceType: stock.RefTransaction, ReferenceID: tr.ID,
		})
		return err
	}))

	gw := &stubGateway{}
	svc := NewService(store, gw, authz.NewPolicyAuthorizer(authz.DefaultPolicy()), tracenoop.NewTracerProvider())
	return &fixture{store: store, gateway: gw, svc: svc, product: pid, tx: tr}
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	lvl, err := f.store.Level(context.Background(), f.product)
	require.NoError(t, err)
	return lvl.Quantity
}

func (f *fixture) status(t *testing.T) sale.Status {
	t.Helper()
	tr, err := f.store.Transaction(context.Background(), f.tx.ID)
	require.NoError(t, err)
	return tr.Status
}

func amount(v int64) *int64 { return &v }

// --- Tests ---

func TestRefund_Full(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)

	assert.Equal(t, int64(2360), r.Amount)
	assert.Equal(t, sale.RefundCompleted, r.Status)
	assert.Equal(t, "REF-CARD-1", r.Reference)
	assert.Equal(t, payment.MethodCard, r.Method)
	assert.Equal(t, DefaultReason, r.Reason)
	assert.Equal(t, sale.StatusRefunded, f.status(t))
	assert.Equal(t, 10, f.stock(t))

	entries, err := f.store.Entries(ctx, stock.Filter{ReferenceID: r.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stock.ChangeRefund, entries[0].ChangeType)
	assert.Equal(t, 2, entries[0].Change)

	logs, err := f.store.Logs(ctx, audit.Filter{Action: audit.ActionProcessRefund})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.OutcomeSuccess, logs[0].Outcome)

	_, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.ErrorIs(t, err, sale.ErrAlreadyRefunded)
}

func TestRefund_PartialThenOverRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Refund(ctx, manager, RefundRequest{
		TransactionID: f.tx.ID,
		Items:         []RefundLine{{ItemID: "item-1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1180), r.Amount)
	assert.Equal(t, 9, f.stock(t))
	assert.Equal(t, sale.StatusCompleted, f.status(t))

	_, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID, Amount: amount(1500)})
	var orErr *OverRefundError
	require.ErrorAs(t, err, &orErr)
	assert.Equal(t, int64(1180), orErr.AlreadyRefunded)
	assert.Equal(t, int64(1180), orErr.Max)

	// The remaining balance restocks only the unit not yet returned.
	r, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1180), r.Amount)
	assert.Equal(t, 10, f.stock(t))
	assert.Equal(t, sale.StatusRefunded, f.status(t))

	refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID, Status: sale.RefundCompleted})
	require.NoError(t, err)
	assert.Equal(t, f.tx.Total, sale.Summarize(refunds).Completed)
}

func TestRefund_Validation(t *testing.T) {
	tests := []struct {
		name  string
		actor authz.Principal
		req   RefundRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "cashier cannot refund",
			actor: cashier,
			req:   RefundRequest{TransactionID: "txn-1"},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, authz.ErrUnauthorized) },
		},
		{
			name:  "unknown transaction",
			actor: manager,
			req:   RefundRequest{TransactionID: "nope"},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, sale.ErrNotFound) },
		},
		{
			name:  "zero amount",
			actor: manager,
			req:   RefundRequest{TransactionID: "txn-1", Amount: amount(0)},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, ErrInvalidAmount) },
		},
		{
			name:  "amount above total",
			actor: manager,
			req:   RefundRequest{TransactionID: "txn-1", Amount: amount(2361)},
			check: func(t *testing.T, err error) {
				var orErr *OverRefundError
				require.ErrorAs(t, err, &orErr)
				assert.Equal(t, int64(2360), orErr.Max)
			},
		},
		{
			name:  "foreign item",
			actor: manager,
			req:   RefundRequest{TransactionID: "txn-1", Items: []RefundLine{{ItemID: "other", Quantity: 1}}},
			check: func(t *testing.T, err error) {
				var itemErr *InvalidRefundItemError
				require.ErrorAs(t, err, &itemErr)
				assert.Equal(t, "other", itemErr.ItemID)
			},
		},
		{
			name:  "quantity above sold",
			actor: manager,
			req: RefundRequest{TransactionID: "txn-1", Items: []RefundLine{
				{ItemID: "item-1", Quantity: 2},
				{ItemID: "item-1", Quantity: 1},
			}},
			check: func(t *testing.T, err error) {
				var itemErr *InvalidRefundItemError
				require.ErrorAs(t, err, &itemErr)
			},
		},
		{
			name:  "unsupported method",
			actor: manager,
			req:   RefundRequest{TransactionID: "txn-1", Method: "barter"},
			check: func(t *testing.T, err error) { require.ErrorIs(t, err, payment.ErrUnsupportedMethod) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Refund(context.Background(), tt.actor, tt.req)
			tt.check(t, err)
			assert.Equal(t, 8, f.stock(t))
			assert.Zero(t, f.gateway.calls.Load())
		})
	}
}

func TestRefund_GatewayFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("gateway down")

	_, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.Error(t, err)

	refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, sale.RefundFailed, refunds[0].Status)
	assert.Equal(t, 8, f.stock(t))
	assert.Equal(t, sale.StatusCompleted, f.status(t))

	failed, err := f.store.Logs(ctx, audit.Filter{Action: audit.ActionProcessRefund})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, audit.OutcomeFailure, failed[0].Outcome)

	f.gateway.err = nil
	r, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2360), r.Amount)
}

func TestRefund_PendingBlocksOtherReversals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var voidErr, refundErr error
	f.gateway.during = func() {
		f.gateway.during = nil
		_, voidErr = f.svc.Void(ctx, manager, f.tx.ID, "mistake")
		_, refundErr = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	}

	_, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	require.ErrorIs(t, voidErr, sale.ErrRefundInProgress)
	require.ErrorIs(t, refundErr, sale.ErrRefundInProgress)
	assert.Equal(t, 10, f.stock(t))
}

func TestVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Void(ctx, cashier, f.tx.ID, "mistake")
	require.ErrorIs(t, err, authz.ErrUnauthorized)

	tr, err := f.svc.Void(ctx, manager, f.tx.ID, "mistake")
	require.NoError(t, err)
	assert.Equal(t, sale.StatusVoided, tr.Status)
	assert.Equal(t, "mistake", tr.VoidReason)
	assert.Equal(t, manager.ActorID, tr.VoidedBy)
	require.NotNil(t, tr.VoidedAt)
	assert.Equal(t, 10, f.stock(t))

	_, err = f.svc.Void(ctx, manager, f.tx.ID, "again")
	require.ErrorIs(t, err, sale.ErrAlreadyVoided)
	assert.Equal(t, 10, f.stock(t))

	_, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.ErrorIs(t, err, sale.ErrTransactionVoided)

	entries, err := f.store.Entries(ctx, stock.Filter{ReferenceID: f.tx.ID})
	require.NoError(t, err)
	var voids int
	for _, e := range entries {
		if e.ChangeType == stock.ChangeVoid {
			voids++
		}
	}
	assert.Equal(t, 1, voids)
}

func TestVoid_AfterPartialRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, manager, RefundRequest{
		TransactionID: f.tx.ID,
		Items:         []RefundLine{{ItemID: "item-1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, 9, f.stock(t))

	_, err = f.svc.Void(ctx, manager, f.tx.ID, "mistake")
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t))
}

func TestVoid_Elevated(t *testing.T) {
	f := newFixture(t)
	actor := cashier
	actor.Grant = &authz.Grant{GrantorID: "manager-9", GrantorRole: authz.RoleManager, ExpiresAt: time.Now().Add(time.Minute)}

	tr, err := f.svc.Void(context.Background(), actor, f.tx.ID, "mistake")
	require.NoError(t, err)
	assert.Equal(t, "manager-9", tr.VoidedBy)
}

func TestVoid_RefundedTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)

	_, err = f.svc.Void(ctx, manager, f.tx.ID, "mistake")
	require.ErrorIs(t, err, sale.ErrAlreadyRefunded)
	assert.Equal(t, 10, f.stock(t))
}

func TestCancelRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var pendingID string
	f.gateway.during = func() {
		refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID, Status: sale.RefundPending})
		require.NoError(t, err)
		require.Len(t, refunds, 1)
		pendingID = refunds[0].ID

		_, err = f.svc.CancelRefund(ctx, manager, pendingID)
		require.ErrorIs(t, err, authz.ErrUnauthorized)

		_, err = f.svc.CancelRefund(ctx, admin, pendingID)
		require.ErrorIs(t, err, ErrRefundInFlight)
	}

	r, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	assert.Equal(t, sale.RefundCompleted, r.Status)
	assert.Equal(t, 10, f.stock(t))

	_, err = f.svc.CancelRefund(ctx, admin, pendingID)
	require.ErrorIs(t, err, ErrRefundNotPending)

	_, err = f.svc.CancelRefund(ctx, admin, "missing")
	require.ErrorIs(t, err, sale.ErrRefundNotFound)
}

// later moves the service clock past the cancellation window.
func (f *fixture) later() {
	f.svc.now = func() time.Time { return time.Now().Add(CancelAfter + time.Minute) }
}

func TestCancelRefund_PaidRefundStaysCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.during = func() {
		f.gateway.during = nil
		f.later()
		refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID, Status: sale.RefundPending})
		require.NoError(t, err)
		require.Len(t, refunds, 1)

		cancelled, err := f.svc.CancelRefund(ctx, admin, refunds[0].ID)
		require.NoError(t, err)
		assert.Equal(t, sale.RefundFailed, cancelled.Status)
	}

	r, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	assert.Equal(t, sale.RefundCompleted, r.Status)
	assert.Equal(t, "REF-CARD-1", r.Reference)
	assert.Equal(t, 10, f.stock(t))
	assert.Equal(t, sale.StatusRefunded, f.status(t))

	_, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.ErrorIs(t, err, sale.ErrAlreadyRefunded)
	assert.Equal(t, int32(1), f.gateway.calls.Load())
}

func TestCancelRefund_VoidBeforeCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.during = func() {
		f.gateway.during = nil
		f.later()
		refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID, Status: sale.RefundPending})
		require.NoError(t, err)
		require.Len(t, refunds, 1)

		_, err = f.svc.CancelRefund(ctx, admin, refunds[0].ID)
		require.NoError(t, err)
		_, err = f.svc.Void(ctx, manager, f.tx.ID, "mistake")
		require.NoError(t, err)
	}

	r, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.NoError(t, err)
	assert.Equal(t, sale.RefundCompleted, r.Status)
	// The void already returned both units.
	assert.Equal(t, 10, f.stock(t))
	assert.Equal(t, sale.StatusVoided, f.status(t))
}

// flakyStore fails the unit of work numbered failOn without running it.
type flakyStore struct {
	sale.Store
	failOn int
	calls  int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx sale.Tx) error) error {
	s.calls++
	if s.calls == s.failOn {
		return errors.New("connection reset")
	}
	return s.Store.InTx(ctx, fn)
}

func TestRefund_CompletionFailureKeepsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Units of work: reserve, complete, then recording the payout.
	f.svc.store = &flakyStore{Store: f.store, failOn: 2}

	_, err := f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	refunds, err := f.store.Refunds(ctx, sale.RefundFilter{TransactionID: f.tx.ID})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	held := refunds[0]
	assert.Equal(t, sale.RefundPending, held.Status)
	assert.Equal(t, "REF-CARD-1", held.Reference)
	assert.Equal(t, 8, f.stock(t))

	_, err = f.svc.Refund(ctx, manager, RefundRequest{TransactionID: f.tx.ID})
	require.ErrorIs(t, err, sale.ErrRefundInProgress)

	f.later()
	_, err = f.svc.CancelRefund(ctx, admin, held.ID)
	require.ErrorIs(t, err, ErrRefundPaid)
	assert.Equal(t, int32(1), f.gateway.calls.Load())

	failed, err := f.store.Logs(ctx, audit.Filter{Action: audit.ActionProcessRefund})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, audit.OutcomeFailure, failed[0].Outcome)
	assert.Equal(t, "REF-CARD-1", failed[0].Details["reference"])
}
