// Package reversal voids sales and issues full or partial refunds against
// them.
package reversal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

// DefaultReason is recorded when a refund request carries none.
const DefaultReason = "Customer request"

// CancelAfter is how long a pending refund must have been waiting before an
// administrator may cancel it. Younger refunds may still be at the gateway.
const CancelAfter = 5 * time.Minute

// Sentinel errors for reversal validation.
var (
	ErrInvalidAmount    = errors.New("refund amount must be positive")
	ErrNotRefundable    = errors.New("transaction is not in a refundable state")
	ErrRefundNotPending = errors.New("only pending refunds can be cancelled")
	ErrRefundInFlight   = errors.New("refund may still be at the payment gateway")
	ErrRefundPaid       = errors.New("refund was paid out and cannot be cancelled")
)

// OverRefundError reports a refund that would exceed the transaction total.
type OverRefundError struct {
	AlreadyRefunded int64
	Max             int64
	Requested       int64
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("refund of %s exceeds remaining balance %s (already refunded %s)",
		money.Format(e.Requested), money.Format(e.Max), money.Format(e.AlreadyRefunded))
}

// InvalidRefundItemError reports a rejected refund line.
type InvalidRefundItemError struct {
	ItemID string
	Reason string
}

func (e *InvalidRefundItemError) Error() string {
	return fmt.Sprintf("invalid refund item %s: %s", e.ItemID, e.Reason)
}

// RefundLine returns Quantity units of a sold item.
type RefundLine struct {
	ItemID   string
	Quantity int
}

// RefundRequest describes a refund. A nil Amount refunds the remaining
// balance, or the prorated value of Items when they are given. An empty
// Method refunds to the original payment method.
type RefundRequest struct {
	TransactionID string
	Reason        string
	Amount        *int64
	Items         []RefundLine
	Method        payment.Method
}

// Service voids and refunds transactions.
type Service struct {
	store    sale.Store
	payments payment.Gateway
	authz    authz.Authorizer
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a reversal Service.
func NewService(
	store sale.Store,
	payments payment.Gateway,
	authorizer authz.Authorizer,
	tp trace.TracerProvider,
) *Service {
	return &Service{
		store:    store,
		payments: payments,
		authz:    authorizer,
		tracer:   tp.Tracer("pos/reversal"),
		now:      time.Now,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Void cancels a transaction. A completed sale gets back every unit that
// has not already been returned by a refund.
func (s *Service) Void(ctx context.Context, actor authz.Principal, transactionID, reason string) (_ *sale.Transaction, rerr error) {
	ctx, span := s.tracer.Start(ctx, "reversal.Void",
		trace.WithAttributes(attribute.String("pos.transaction.id", transactionID)))
	defer func() { endSpan(span, rerr) }()

	d := s.authz.Authorize(actor, authz.CapVoid)
	if !d.Allowed {
		return nil, errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}

	var out *sale.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		switch t.Status {
		case sale.StatusVoided:
			return sale.ErrAlreadyVoided
		case sale.StatusRefunded:
			return sale.ErrAlreadyRefunded
		}

		refunds, err := tx.RefundsFor(ctx, t.ID)
		if err != nil {
			return errors.Wrap(err, "load refunds")
		}
		bal := sale.Summarize(refunds)
		if bal.Pending > 0 {
			return sale.ErrRefundInProgress
		}

		restore := t.Status == sale.StatusCompleted
		now := s.now()
		t.Status = sale.StatusVoided
		t.VoidReason = reason
		t.VoidedBy = d.AuthorizedBy
		t.VoidedAt = &now

		restocked := 0
		if restore {
			for _, it := range t.Items {
				qty := it.Quantity - bal.Returned[it.ID]
				if qty <= 0 {
					continue
				}
				if _, err := tx.Ledger().Adjust(ctx, stock.Adjustment{
					ProductID:     it.ProductID,
					Change:        qty,
					Type:          stock.ChangeVoid,
					ReferenceType: stock.RefTransaction,
					ReferenceID:   t.ID,
					ActorID:       actor.ActorID,
					Notes:         "Void " + t.Number,
				}); err != nil {
					return errors.Wrapf(err, "restore stock for %s", it.ProductID)
				}
				restocked += qty
			}
		}

		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return errors.Wrap(err, "update transaction")
		}
		if err := tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionVoidTransaction,
			ResourceType: audit.ResourceTransaction,
			ResourceID:   t.ID,
			Outcome:      audit.OutcomeSuccess,
			Details: map[string]string{
				"number":        t.Number,
				"reason":        reason,
				"authorized_by": d.AuthorizedBy,
				"elevated":      fmt.Sprint(d.Elevated),
				"restocked":     fmt.Sprint(restocked),
			},
			RemoteAddr: audit.RemoteAddr(ctx),
		}); err != nil {
			return errors.Wrap(err, "audit void")
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Transaction voided",
		zap.String("number", out.Number),
		zap.String("actor", actor.ActorID),
		zap.String("authorized_by", d.AuthorizedBy),
	)
	return out, nil
}

// Refund issues a refund in three steps: the amount is reserved as a pending
// refund under the transaction lock, the gateway refund runs with no lock
// held, and completion (restock, status, audit) commits in a second unit of
// work. If the gateway refund fails, the refund is marked failed and stops
// counting against the balance. Once the gateway has paid out, the
// reservation is never released: a failed completion leaves the refund
// pending with the gateway reference recorded.
func (s *Service) Refund(ctx context.Context, actor authz.Principal, req RefundRequest) (_ *sale.Refund, rerr error) {
	ctx, span := s.tracer.Start(ctx, "reversal.Refund",
		trace.WithAttributes(attribute.String("pos.transaction.id", req.TransactionID)))
	defer func() { endSpan(span, rerr) }()

	d := s.authz.Authorize(actor, authz.CapRefund)
	if !d.Allowed {
		return nil, errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}
	if req.Method != "" {
		if _, err := payment.ParseMethod(string(req.Method)); err != nil {
			return nil, err
		}
	}
	if req.Reason == "" {
		req.Reason = DefaultReason
	}

	r, original, err := s.reserve(ctx, actor, d, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("pos.refund.number", r.Number))

	res, err := s.payments.Refund(ctx, payment.RefundRequest{
		Method:            r.Method,
		Amount:            r.Amount,
		OriginalReference: original,
	})
	if err != nil {
		s.fail(ctx, actor, r, err)
		return nil, errors.Wrap(err, "gateway refund")
	}

	done, err := s.complete(ctx, actor, r.ID, res)
	if err != nil {
		s.hold(ctx, actor, r, res, err)
		return nil, errors.Wrap(err, "complete refund")
	}

	zctx.From(ctx).Info("Refund completed",
		zap.String("number", done.Number),
		zap.String("transaction", done.TransactionID),
		zap.String("amount", money.Format(done.Amount)),
	)
	return done, nil
}

func (s *Service) reserve(
	ctx context.Context,
	actor authz.Principal,
	d authz.Decision,
	req RefundRequest,
) (*sale.Refund, string, error) {
	var (
		out      *sale.Refund
		original string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		t, err := tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		switch t.Status {
		case sale.StatusCompleted:
		case sale.StatusVoided:
			return sale.ErrTransactionVoided
		case sale.StatusRefunded:
			return sale.ErrAlreadyRefunded
		default:
			return ErrNotRefundable
		}

		refunds, err := tx.RefundsFor(ctx, t.ID)
		if err != nil {
			return errors.Wrap(err, "load refunds")
		}
		bal := sale.Summarize(refunds)
		remaining := t.Total - bal.Reserved()
		if remaining <= 0 {
			if bal.Pending > 0 {
				return sale.ErrRefundInProgress
			}
			return sale.ErrAlreadyRefunded
		}

		items, err := resolveItems(t, bal, req.Items)
		if err != nil {
			return err
		}

		amount := remaining
		switch {
		case req.Amount != nil:
			amount = *req.Amount
		case len(req.Items) > 0:
			amount = min(prorate(t, items), remaining)
		}
		if amount <= 0 {
			return ErrInvalidAmount
		}
		if bal.Reserved()+amount > t.Total {
			return &OverRefundError{
				AlreadyRefunded: bal.Reserved(),
				Max:             remaining,
				Requested:       amount,
			}
		}

		method := req.Method
		if method == "" {
			method = t.PaymentMethod
		}
		now := s.now()
		r := &sale.Refund{
			ID:            uuid.NewString(),
			Number:        sale.NewNumber("REF", now),
			TransactionID: t.ID,
			Amount:        amount,
			Method:        method,
			Status:        sale.RefundPending,
			RefundedBy:    actor.ActorID,
			AuthorizedBy:  d.AuthorizedBy,
			Reason:        req.Reason,
			Items:         items,
			CreatedAt:     now,
		}
		if err := tx.InsertRefund(ctx, r); err != nil {
			return errors.Wrap(err, "insert refund")
		}
		out, original = r, t.PaymentReference
		return nil
	})
	return out, original, err
}

// resolveItems validates requested lines. Without lines, every unit not yet
// returned is restocked.
func resolveItems(t *sale.Transaction, bal sale.Balance, lines []RefundLine) ([]sale.RefundItem, error) {
	if len(lines) == 0 {
		var out []sale.RefundItem
		for _, it := range t.Items {
			if qty := it.Quantity - bal.Returned[it.ID]; qty > 0 {
				out = append(out, sale.RefundItem{TransactionItemID: it.ID, ProductID: it.ProductID, Quantity: qty})
			}
		}
		return out, nil
	}

	requested := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, &InvalidRefundItemError{ItemID: l.ItemID, Reason: "quantity must be positive"}
		}
		if _, ok := t.Item(l.ItemID); !ok {
			return nil, &InvalidRefundItemError{ItemID: l.ItemID, Reason: "not part of this transaction"}
		}
		if _, seen := requested[l.ItemID]; !seen {
			order = append(order, l.ItemID)
		}
		requested[l.ItemID] += l.Quantity
	}

	out := make([]sale.RefundItem, 0, len(order))
	for _, id := range order {
		it, _ := t.Item(id)
		qty := requested[id]
		if qty > it.Quantity {
			return nil, &InvalidRefundItemError{
				ItemID: id,
				Reason: fmt.Sprintf("quantity %d exceeds sold quantity %d", qty, it.Quantity),
			}
		}
		if left := it.Quantity - bal.Returned[id]; qty > left {
			return nil, &InvalidRefundItemError{
				ItemID: id,
				Reason: fmt.Sprintf("only %d not yet refunded", left),
			}
		}
		out = append(out, sale.RefundItem{TransactionItemID: id, ProductID: it.ProductID, Quantity: qty})
	}
	return out, nil
}

// prorate values returned items as their share of the line totals, scaled
// to the transaction total so cart-level discounts are honoured.
func prorate(t *sale.Transaction, items []sale.RefundItem) int64 {
	var lines int64
	for _, it := range t.Items {
		lines += it.LineTotal
	}
	if lines == 0 {
		return 0
	}
	share := decimal.Zero
	for _, ri := range items {
		it, _ := t.Item(ri.TransactionItemID)
		share = share.Add(decimal.NewFromInt(it.LineTotal).
			Mul(decimal.NewFromInt(int64(ri.Quantity))).
			Div(decimal.NewFromInt(int64(it.Quantity))))
	}
	return money.Round(decimal.NewFromInt(t.Total).Mul(share).Div(decimal.NewFromInt(lines)))
}

func (s *Service) complete(ctx context.Context, actor authz.Principal, refundID string, res *payment.Result) (*sale.Refund, error) {
	var out *sale.Refund
	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		r, err := tx.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		t, err := tx.LockTransaction(ctx, r.TransactionID)
		if err != nil {
			return err
		}
		if r.Status == sale.RefundCompleted {
			out = r
			return nil
		}
		// Money has left. A refund cancelled under us is completed anyway.
		if r.Status == sale.RefundFailed {
			zctx.From(ctx).Warn("Completing refund that was marked failed during gateway call",
				zap.String("number", r.Number))
		}
		// A voided sale already got back every unit not returned by a
		// completed refund.
		restock := t.Status == sale.StatusCompleted

		now := s.now()
		r.Status = sale.RefundCompleted
		r.Reference = res.Reference
		r.CompletedAt = &now
		if err := tx.UpdateRefund(ctx, r); err != nil {
			return errors.Wrap(err, "update refund")
		}

		if restock {
			if err := s.restock(ctx, tx, actor, r); err != nil {
				return err
			}
		}

		refunds, err := tx.RefundsFor(ctx, t.ID)
		if err != nil {
			return errors.Wrap(err, "load refunds")
		}
		if restock && sale.Summarize(refunds).Completed >= t.Total {
			t.Status = sale.StatusRefunded
			if err := tx.UpdateTransaction(ctx, t); err != nil {
				return errors.Wrap(err, "update transaction")
			}
		}

		if err := tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionProcessRefund,
			ResourceType: audit.ResourceRefund,
			ResourceID:   r.ID,
			Outcome:      audit.OutcomeSuccess,
			Details: map[string]string{
				"number":        r.Number,
				"transaction":   t.Number,
				"amount":        money.Format(r.Amount),
				"reason":        r.Reason,
				"authorized_by": r.AuthorizedBy,
				"reference":     r.Reference,
				"restocked":     fmt.Sprint(restock),
			},
			RemoteAddr: audit.RemoteAddr(ctx),
		}); err != nil {
			return errors.Wrap(err, "audit refund")
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Service) restock(ctx context.Context, tx sale.Tx, actor authz.Principal, r *sale.Refund) error {
	for _, it := range r.Items {
		if _, err := tx.Ledger().Adjust(ctx, stock.Adjustment{
			ProductID:     it.ProductID,
			Change:        it.Quantity,
			Type:          stock.ChangeRefund,
			ReferenceType: stock.RefRefund,
			ReferenceID:   r.ID,
			ActorID:       actor.ActorID,
			Notes:         "Refund " + r.Number,
		}); err != nil {
			return errors.Wrapf(err, "restock %s", it.ProductID)
		}
	}
	return nil
}

// fail releases a reservation after the gateway refund failed.
func (s *Service) fail(ctx context.Context, actor authz.Principal, r *sale.Refund, cause error) {
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx)
	lg.Error("Refund failed after reservation", zap.String("number", r.Number), zap.Error(cause))

	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		cur, err := tx.LockRefund(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Status != sale.RefundPending {
			return nil
		}
		cur.Status = sale.RefundFailed
		if err := tx.UpdateRefund(ctx, cur); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionProcessRefund,
			ResourceType: audit.ResourceRefund,
			ResourceID:   cur.ID,
			Outcome:      audit.OutcomeFailure,
			Details:      map[string]string{"number": cur.Number, "error": cause.Error()},
		})
	})
	if err != nil {
		lg.Error("Release refund reservation", zap.String("number", r.Number), zap.Error(err))
	}
}

// hold keeps a paid refund reserved after its completion failed and records
// the gateway reference so the payout can be reconciled.
func (s *Service) hold(ctx context.Context, actor authz.Principal, r *sale.Refund, res *payment.Result, cause error) {
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx)
	lg.Error("Refund paid but not completed",
		zap.String("number", r.Number),
		zap.String("reference", res.Reference),
		zap.Error(cause),
	)

	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		cur, err := tx.LockRefund(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Status == sale.RefundCompleted {
			return nil
		}
		cur.Status = sale.RefundPending
		cur.Reference = res.Reference
		if err := tx.UpdateRefund(ctx, cur); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionProcessRefund,
			ResourceType: audit.ResourceRefund,
			ResourceID:   cur.ID,
			Outcome:      audit.OutcomeFailure,
			Details: map[string]string{
				"number":    cur.Number,
				"reference": res.Reference,
				"error":     cause.Error(),
			},
		})
	})
	if err != nil {
		lg.Error("Record paid refund", zap.String("number", r.Number), zap.Error(err))
	}
}

// CancelRefund marks a stuck pending refund failed, releasing its balance.
// Administrators only. Refunds younger than CancelAfter and refunds the
// gateway has already paid are refused.
func (s *Service) CancelRefund(ctx context.Context, actor authz.Principal, refundID string) (*sale.Refund, error) {
	d := s.authz.Authorize(actor, authz.CapAdmin)
	if !d.Allowed {
		return nil, errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}

	var out *sale.Refund
	err := s.store.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		r, err := tx.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		switch {
		case r.Status != sale.RefundPending:
			return ErrRefundNotPending
		case r.Reference != "":
			return ErrRefundPaid
		case s.now().Sub(r.CreatedAt) < CancelAfter:
			return ErrRefundInFlight
		}
		r.Status = sale.RefundFailed
		if err := tx.UpdateRefund(ctx, r); err != nil {
			return errors.Wrap(err, "update refund")
		}
		if err := tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionCancelRefund,
			ResourceType: audit.ResourceRefund,
			ResourceID:   r.ID,
			Outcome:      audit.OutcomeSuccess,
			Details:      map[string]string{"number": r.Number},
			RemoteAddr:   audit.RemoteAddr(ctx),
		}); err != nil {
			return errors.Wrap(err, "audit cancel refund")
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
