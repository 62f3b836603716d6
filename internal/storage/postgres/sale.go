package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

const (
	transactionColumns = `id, number, type, status, subtotal, discount, discount_type, tax, total,
		payment_method, payment_reference, payment_account, amount_paid, change_given,
		cashier_id, authorized_by, voided_by, void_reason, created_at, completed_at, voided_at`

	insertTransactionSQL = `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	updateTransactionSQL = `UPDATE transactions SET status = $2, payment_reference = $3,
		voided_by = $4, void_reason = $5, completed_at = $6, voided_at = $7
		WHERE id = $1`

	getTransactionSQL  = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	lockTransactionSQL = getTransactionSQL + ` FOR UPDATE`

	insertItemSQL = `INSERT INTO transaction_items (id, transaction_id, position, product_id, barcode,
			name, quantity, unit_price, discount, tax_rate, tax_amount, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	getItemsSQL = `SELECT transaction_id, id, product_id, barcode, name, quantity, unit_price,
			discount, tax_rate, tax_amount, line_total
		FROM transaction_items WHERE transaction_id = ANY($1) ORDER BY transaction_id, position`

	refundColumns = `id, number, transaction_id, amount, method, reference, status,
		refunded_by, authorized_by, reason, created_at, completed_at`

	insertRefundSQL = `INSERT INTO refunds (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	updateRefundSQL = `UPDATE refunds SET status = $2, reference = $3, completed_at = $4 WHERE id = $1`

	getRefundSQL      = `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	lockRefundSQL     = getRefundSQL + ` FOR UPDATE`
	refundsForSQL     = `SELECT ` + refundColumns + ` FROM refunds WHERE transaction_id = $1 ORDER BY created_at`
	insertRefundItem  = `INSERT INTO refund_items (refund_id, transaction_item_id, product_id, quantity) VALUES ($1, $2, $3, $4)`
	getRefundItemsSQL = `SELECT refund_id, transaction_item_id, product_id, quantity
		FROM refund_items WHERE refund_id = ANY($1) ORDER BY refund_id, transaction_item_id`
)

var _ sale.Store = (*SaleStore)(nil)

// SaleStore implements sale.Store backed by PostgreSQL. Units of work are
// database transactions; locks are row locks.
type SaleStore struct {
	pool *pgxpool.Pool
}

// NewSaleStore returns a SaleStore that uses the given pool.
func NewSaleStore(pool *pgxpool.Pool) *SaleStore {
	return &SaleStore{pool: pool}
}

// InTx runs fn inside a database transaction.
func (s *SaleStore) InTx(ctx context.Context, fn func(ctx context.Context, tx sale.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(ctx, &saleTx{q: ptx})
	})
}

// Transaction returns a transaction with its items.
func (s *SaleStore) Transaction(ctx context.Context, id string) (*sale.Transaction, error) {
	return getTransaction(ctx, s.pool, getTransactionSQL, id)
}

// Transactions lists transactions, newest first.
func (s *SaleStore) Transactions(ctx context.Context, f sale.TransactionFilter) ([]sale.Transaction, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.CashierID != "" {
		w.add("cashier_id = ?", f.CashierID)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at < ?", f.To)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() + ` ORDER BY created_at DESC`
	query += w.limit(sale.EffectiveLimit(f.Limit))

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	if err := attachItems(ctx, s.pool, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Refund returns a refund with its items.
func (s *SaleStore) Refund(ctx context.Context, id string) (*sale.Refund, error) {
	return getRefund(ctx, s.pool, getRefundSQL, id)
}

// Refunds lists refunds, newest first.
func (s *SaleStore) Refunds(ctx context.Context, f sale.RefundFilter) ([]sale.Refund, error) {
	var w where
	if f.TransactionID != "" {
		w.add("transaction_id = ?", f.TransactionID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at < ?", f.To)
	}
	query := `SELECT ` + refundColumns + ` FROM refunds` + w.String() + ` ORDER BY created_at DESC`
	query += w.limit(sale.EffectiveLimit(f.Limit))

	return queryRefunds(ctx, s.pool, query, w.args...)
}

// saleTx implements sale.Tx on an open database transaction.
type saleTx struct {
	q querier
}

func (t *saleTx) InsertTransaction(ctx context.Context, tr *sale.Transaction) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, insertTransactionSQL,
		tr.ID, tr.Number, string(tr.Type), string(tr.Status),
		tr.Subtotal, tr.Discount, tr.DiscountType, tr.Tax, tr.Total,
		string(tr.PaymentMethod), tr.PaymentReference, tr.PaymentAccount, tr.AmountPaid, tr.Change,
		tr.CashierID, tr.AuthorizedBy, tr.VoidedBy, tr.VoidReason,
		tr.CreatedAt, tr.CompletedAt, tr.VoidedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction %q: %w", tr.Number, err)
	}

	for i, it := range tr.Items {
		_, err := t.q.Exec(ctx, insertItemSQL,
			it.ID, tr.ID, i, it.ProductID, it.Barcode, it.Name, it.Quantity,
			it.UnitPrice, it.Discount, it.TaxRate, it.TaxAmount, it.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("inserting item %q: %w", it.ID, err)
		}
	}
	return nil
}

func (t *saleTx) LockTransaction(ctx context.Context, id string) (*sale.Transaction, error) {
	return getTransaction(ctx, t.q, lockTransactionSQL, id)
}

// UpdateTransaction persists the mutable fields. Totals and items are
// immutable after insert.
func (t *saleTx) UpdateTransaction(ctx context.Context, tr *sale.Transaction) error {
	tag, err := t.q.Exec(ctx, updateTransactionSQL,
		tr.ID, string(tr.Status), tr.PaymentReference,
		tr.VoidedBy, tr.VoidReason, tr.CompletedAt, tr.VoidedAt,
	)
	if err != nil {
		return fmt.Errorf("updating transaction %q: %w", tr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sale.ErrNotFound
	}
	return nil
}

func (t *saleTx) InsertRefund(ctx context.Context, r *sale.Refund) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, insertRefundSQL,
		r.ID, r.Number, r.TransactionID, r.Amount, string(r.Method), r.Reference,
		string(r.Status), r.RefundedBy, r.AuthorizedBy, r.Reason, r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting refund %q: %w", r.Number, err)
	}
	for _, it := range r.Items {
		if _, err := t.q.Exec(ctx, insertRefundItem, r.ID, it.TransactionItemID, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("inserting refund item %q: %w", it.TransactionItemID, err)
		}
	}
	return nil
}

func (t *saleTx) LockRefund(ctx context.Context, id string) (*sale.Refund, error) {
	return getRefund(ctx, t.q, lockRefundSQL, id)
}

func (t *saleTx) UpdateRefund(ctx context.Context, r *sale.Refund) error {
	tag, err := t.q.Exec(ctx, updateRefundSQL, r.ID, string(r.Status), r.Reference, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating refund %q: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sale.ErrRefundNotFound
	}
	return nil
}

func (t *saleTx) RefundsFor(ctx context.Context, transactionID string) ([]sale.Refund, error) {
	return queryRefunds(ctx, t.q, refundsForSQL, transactionID)
}

func (t *saleTx) Ledger() stock.Ledger { return txLedger{t.q} }

func (t *saleTx) Audit() audit.Trail { return txTrail{t.q} }

type txLedger struct{ q querier }

func (l txLedger) Level(ctx context.Context, productID string) (stock.Level, error) {
	return stockLevel(ctx, l.q, productID)
}

func (l txLedger) Adjust(ctx context.Context, adj stock.Adjustment) (stock.Entry, error) {
	return adjustStock(ctx, l.q, adj)
}

type txTrail struct{ q querier }

func (a txTrail) Append(ctx context.Context, e *audit.Entry) error {
	return appendAudit(ctx, a.q, e)
}

func getTransaction(ctx context.Context, q querier, sql, id string) (*sale.Transaction, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting transaction %q: %w", id, err)
	}
	tr, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrNotFound
		}
		return nil, fmt.Errorf("getting transaction %q: %w", id, err)
	}
	out := []sale.Transaction{tr}
	if err := attachItems(ctx, q, out); err != nil {
		return nil, err
	}
	return &out[0], nil
}

func attachItems(ctx context.Context, q querier, txs []sale.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	rows, err := q.Query(ctx, getItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("getting transaction items: %w", err)
	}
	defer rows.Close()

	byTx := make(map[string][]sale.Item, len(txs))
	for rows.Next() {
		var (
			txID     string
			it       sale.Item
			quantity int32
		)
		if err := rows.Scan(&txID, &it.ID, &it.ProductID, &it.Barcode, &it.Name, &quantity,
			&it.UnitPrice, &it.Discount, &it.TaxRate, &it.TaxAmount, &it.LineTotal); err != nil {
			return fmt.Errorf("scanning transaction item: %w", err)
		}
		it.Quantity = int(quantity)
		byTx[txID] = append(byTx[txID], it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading transaction items: %w", err)
	}
	for i := range txs {
		txs[i].Items = byTx[txs[i].ID]
	}
	return nil
}

func scanTransaction(row pgx.CollectableRow) (sale.Transaction, error) {
	var (
		t                   sale.Transaction
		typ, status, method string
	)
	err := row.Scan(
		&t.ID, &t.Number, &typ, &status, &t.Subtotal, &t.Discount, &t.DiscountType, &t.Tax, &t.Total,
		&method, &t.PaymentReference, &t.PaymentAccount, &t.AmountPaid, &t.Change,
		&t.CashierID, &t.AuthorizedBy, &t.VoidedBy, &t.VoidReason, &t.CreatedAt, &t.CompletedAt, &t.VoidedAt,
	)
	t.Type = sale.Type(typ)
	t.Status = sale.Status(status)
	t.PaymentMethod = payment.Method(method)
	return t, err
}

func getRefund(ctx context.Context, q querier, sql, id string) (*sale.Refund, error) {
	out, err := queryRefunds(ctx, q, sql, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sale.ErrRefundNotFound
	}
	return &out[0], nil
}

func queryRefunds(ctx context.Context, q querier, sql string, args ...any) ([]sale.Refund, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying refunds: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanRefund)
	if err != nil {
		return nil, fmt.Errorf("querying refunds: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	itemRows, err := q.Query(ctx, getRefundItemsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting refund items: %w", err)
	}
	defer itemRows.Close()

	byRefund := make(map[string][]sale.RefundItem, len(out))
	for itemRows.Next() {
		var (
			refundID string
			it       sale.RefundItem
			quantity int32
		)
		if err := itemRows.Scan(&refundID, &it.TransactionItemID, &it.ProductID, &quantity); err != nil {
			return nil, fmt.Errorf("scanning refund item: %w", err)
		}
		it.Quantity = int(quantity)
		byRefund[refundID] = append(byRefund[refundID], it)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("reading refund items: %w", err)
	}
	for i := range out {
		out[i].Items = byRefund[out[i].ID]
	}
	return out, nil
}

func scanRefund(row pgx.CollectableRow) (sale.Refund, error) {
	var (
		r              sale.Refund
		method, status string
	)
	err := row.Scan(
		&r.ID, &r.Number, &r.TransactionID, &r.Amount, &method, &r.Reference, &status,
		&r.RefundedBy, &r.AuthorizedBy, &r.Reason, &r.CreatedAt, &r.CompletedAt,
	)
	r.Method = payment.Method(method)
	r.Status = sale.RefundStatus(status)
	return r, err
}
