// Package checkout turns an actor's cart into a committed sale.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/cart"
	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

// ErrEmptyCart is returned when checking out a cart with no lines.
var ErrEmptyCart = errors.New("cart is empty")

// Request holds the tender for a checkout.
type Request struct {
	Method   payment.Method
	Tendered int64
	Account  string
}

// Result is a completed sale.
type Result struct {
	Transaction *sale.Transaction
	Payment     *payment.Result
}

// Service runs checkouts.
type Service struct {
	carts    *cart.Service
	ledger   stock.Ledger
	payments payment.Gateway
	store    sale.Store
	audit    audit.Trail
	authz    authz.Authorizer
	tracer   trace.Tracer
	metrics  *metrics
	now      func() time.Time
}

// NewService creates a checkout Service. ledger and trail are used outside of
// units of work: for the pre-payment stock check and for recording refused
// payments.
func NewService(
	carts *cart.Service,
	ledger stock.Ledger,
	payments payment.Gateway,
	store sale.Store,
	trail audit.Trail,
	authorizer authz.Authorizer,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*Service, error) {
	m, err := newMetrics(mp.Meter("pos/checkout"))
	if err != nil {
		return nil, errors.Wrap(err, "checkout metrics")
	}
	return &Service{
		carts:    carts,
		ledger:   ledger,
		payments: payments,
		store:    store,
		audit:    trail,
		authz:    authorizer,
		tracer:   tp.Tracer("pos/checkout"),
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Process checks out the actor's cart. Stock is re-validated before payment;
// the transaction, its stock decrements and the sale audit entry are written
// in one unit of work only after the payment is approved. A refused payment
// leaves the cart and stock untouched.
func (s *Service) Process(ctx context.Context, actor authz.Principal, req Request) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Process",
		trace.WithAttributes(attribute.String("pos.payment.method", string(req.Method))),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if d := s.authz.Authorize(actor, authz.CapSales); !d.Allowed {
		return nil, errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}
	if _, err := payment.ParseMethod(string(req.Method)); err != nil {
		return nil, err
	}
	if err := payment.ValidateAccount(req.Method, req.Account); err != nil {
		return nil, err
	}

	lease, err := s.carts.Lease(ctx, actor)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	c := lease.Cart()
	if c.Empty() {
		return nil, ErrEmptyCart
	}
	if err := s.checkStock(ctx, c); err != nil {
		return nil, err
	}

	t := s.pending(actor, c, req.Method)
	span.SetAttributes(attribute.String("pos.transaction.number", t.Number))

	res, err := s.payments.Authorize(ctx, payment.Request{
		Method:   req.Method,
		Amount:   t.Total,
		Tendered: req.Tendered,
		Account:  req.Account,
	})
	if err != nil {
		s.refused(ctx, actor, t, err)
		return nil, err
	}

	if err := s.commit(ctx, actor, t, res); err != nil {
		s.compensate(ctx, t, res, err)
		return nil, err
	}
	lease.Commit()

	s.metrics.sale(ctx, t)
	zctx.From(ctx).Info("Sale completed",
		zap.String("number", t.Number),
		zap.String("cashier", actor.ActorID),
		zap.String("total", money.Format(t.Total)),
		zap.String("method", string(t.PaymentMethod)),
	)
	return &Result{Transaction: t, Payment: res}, nil
}

func (s *Service) checkStock(ctx context.Context, c *cart.Cart) error {
	for _, l := range c.Lines {
		lvl, err := s.ledger.Level(ctx, l.ProductID)
		if err != nil {
			if errors.Is(err, stock.ErrProductNotFound) {
				return errors.Wrapf(product.ErrNotFound, "product %s", l.ProductID)
			}
			return errors.Wrapf(err, "stock level for %s", l.ProductID)
		}
		if lvl.Quantity < l.Quantity {
			return &stock.InsufficientStockError{
				ProductID: l.ProductID,
				Available: lvl.Quantity,
				Requested: l.Quantity,
			}
		}
	}
	return nil
}

// pending builds the unsaved transaction with totals and item snapshots.
func (s *Service) pending(actor authz.Principal, c *cart.Cart, method payment.Method) *sale.Transaction {
	now := s.now()
	totals := c.Totals()

	items := make([]sale.Item, len(c.Lines))
	for i, l := range c.Lines {
		tax := l.TaxAmount()
		items[i] = sale.Item{
			ID:        uuid.NewString(),
			ProductID: l.ProductID,
			Barcode:   l.Barcode,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Discount:  min(l.Discount, l.Gross()),
			TaxRate:   l.TaxRate,
			TaxAmount: tax,
			LineTotal: l.Net() + tax,
		}
	}

	discountType := string(c.Discount.Type)
	if discountType == "" {
		discountType = string(cart.DiscountNone)
	}
	return &sale.Transaction{
		ID:            uuid.NewString(),
		Number:        sale.NewNumber("TXN", now),
		Type:          sale.TypeSale,
		Status:        sale.StatusPending,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		DiscountType:  discountType,
		Tax:           totals.Tax,
		Total:         totals.Total,
		PaymentMethod: method,
		CashierID:     actor.ActorID,
		AuthorizedBy:  c.Discount.AuthorizedBy,
		Items:         items,
		CreatedAt:     now,
	}
}

func (s *Service) commit(ctx context.Context, actor authz.Principal, t *sale.Transaction, res *payment.Result) error {
	now := s.now()
	t.Status = sale.StatusCompleted
	t.PaymentReference = res.Reference
	t.PaymentAccount = res.Account
	t.AmountPaid = res.Paid
	t.Change = res.Change
	t.CompletedAt = &now

	return s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return errors.Wrap(err, "insert transaction")
		}
		for _, it := range t.Items {
			if _, err := tx.Ledger().Adjust(ctx, stock.Adjustment{
				ProductID:     it.ProductID,
				Change:        -it.Quantity,
				Type:          stock.ChangeSale,
				ReferenceType: stock.RefTransaction,
				ReferenceID:   t.ID,
				ActorID:       actor.ActorID,
				Notes:         "Sale " + t.Number,
			}); err != nil {
				return errors.Wrapf(err, "decrement stock for %s", it.ProductID)
			}
		}
		err := tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionProcessSale,
			ResourceType: audit.ResourceTransaction,
			ResourceID:   t.ID,
			Outcome:      audit.OutcomeSuccess,
			Details: map[string]string{
				"number":    t.Number,
				"total":     money.Format(t.Total),
				"method":    string(t.PaymentMethod),
				"reference": t.PaymentReference,
			},
			RemoteAddr: audit.RemoteAddr(ctx),
		})
		if err != nil {
			return errors.Wrap(err, "audit sale")
		}
		return nil
	})
}

// refused records a payment the gateway did not accept.
func (s *Service) refused(ctx context.Context, actor authz.Principal, t *sale.Transaction, cause error) {
	lg := zctx.From(ctx)

	var (
		declined *payment.DeclinedError
		short    *payment.InsufficientPaymentError
		reason   string
	)
	switch {
	case errors.As(cause, &declined):
		reason = declined.Reason
	case errors.As(cause, &short):
		reason = "insufficient payment"
	default:
		lg.Error("Payment gateway error", zap.String("number", t.Number), zap.Error(cause))
		return
	}

	s.metrics.decline(ctx, t.PaymentMethod)
	lg.Info("Payment refused", zap.String("number", t.Number), zap.String("reason", reason))

	if err := s.audit.Append(ctx, &audit.Entry{
		ActorID:      actor.ActorID,
		Action:       audit.ActionPaymentDeclined,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   t.Number,
		Outcome:      audit.OutcomeFailure,
		Details: map[string]string{
			"method": string(t.PaymentMethod),
			"total":  money.Format(t.Total),
			"reason": reason,
		},
		RemoteAddr: audit.RemoteAddr(ctx),
	}); err != nil {
		lg.Warn("Audit refused payment", zap.Error(err))
	}
}

// compensate reverses an approved charge whose sale could not be committed.
func (s *Service) compensate(ctx context.Context, t *sale.Transaction, res *payment.Result, cause error) {
	lg := zctx.From(ctx)
	lg.Warn("Sale commit failed after payment, reversing charge",
		zap.String("number", t.Number),
		zap.String("reference", res.Reference),
		zap.Error(cause),
	)
	ref, err := s.payments.Refund(context.WithoutCancel(ctx), payment.RefundRequest{
		Method:            res.Method,
		Amount:            res.Amount,
		OriginalReference: res.Reference,
	})
	if err != nil {
		lg.Error("Charge reversal failed",
			zap.String("number", t.Number),
			zap.String("reference", res.Reference),
			zap.Error(err),
		)
		return
	}
	lg.Info("Charge reversed", zap.String("number", t.Number), zap.String("refund_reference", ref.Reference))
}

type metrics struct {
	sales    metric.Int64Counter
	declines metric.Int64Counter
	amount   metric.Int64Histogram
}

func newMetrics(m metric.Meter) (*metrics, error) {
	sales, err := m.Int64Counter("pos.checkout.sales",
		metric.WithDescription("Completed sales"))
	if err != nil {
		return nil, err
	}
	declines, err := m.Int64Counter("pos.checkout.declines",
		metric.WithDescription("Payments refused by the gateway"))
	if err != nil {
		return nil, err
	}
	amount, err := m.Int64Histogram("pos.checkout.amount",
		metric.WithDescription("Sale totals in minor units"),
		metric.WithUnit("{cent}"))
	if err != nil {
		return nil, err
	}
	return &metrics{sales: sales, declines: declines, amount: amount}, nil
}

func (m *metrics) sale(ctx context.Context, t *sale.Transaction) {
	attrs := metric.WithAttributes(attribute.String("method", string(t.PaymentMethod)))
	m.sales.Add(ctx, 1, attrs)
	m.amount.Record(ctx, t.Total, attrs)
}

func (m *metrics) decline(ctx context.Context, method payment.Method) {
	m.declines.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
}
