package memory

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

func seeded(t *testing.T, qty int) (*Store, string) {
	t.Helper()
	s := New()
	id, err := s.UpsertProduct(context.Background(), product.Product{
		Barcode:       "123",
		Name:          "Tea",
		Price:         250,
		StockQuantity: qty,
		TaxRate:       decimal.RequireFromString("0.05"),
		Active:        true,
	})
	require.NoError(t, err)
	return s, id
}

func TestProducts(t *testing.T) {
	s, id := seeded(t, 3)
	ctx := context.Background()

	p, err := s.GetByBarcode(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, product.DefaultReorderLevel, p.ReorderLevel)

	low, err := s.List(ctx, product.Filter{LowStock: true})
	require.NoError(t, err)
	assert.Len(t, low, 1)

	p.Active = false
	_, err = s.UpsertProduct(ctx, *p)
	require.NoError(t, err)

	_, err = s.GetByID(ctx, id)
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestUpsertProduct_UniqueBarcode(t *testing.T) {
	s, id := seeded(t, 3)
	ctx := context.Background()

	_, err := s.UpsertProduct(ctx, product.Product{ID: "other", Barcode: "123", Name: "Copy", Active: true})
	require.ErrorIs(t, err, product.ErrDuplicateBarcode)

	got, err := s.UpsertProduct(ctx, product.Product{Barcode: "123", Name: "Green Tea", Price: 300, StockQuantity: 50, Active: true})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	p, err := s.GetByBarcode(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "Green Tea", p.Name)
	assert.Equal(t, 3, p.StockQuantity, "stock only moves through the ledger")

	all, err := s.List(ctx, product.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAdjust(t *testing.T) {
	s, id := seeded(t, 2)
	ctx := context.Background()

	e, err := s.Adjust(ctx, stock.Adjustment{ProductID: id, Change: -2, Type: stock.ChangeSale})
	require.NoError(t, err)
	assert.Equal(t, 0, e.After)

	_, err = s.Adjust(ctx, stock.Adjustment{ProductID: id, Change: -1, Type: stock.ChangeSale})
	var isErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 0, isErr.Available)

	_, err = s.Adjust(ctx, stock.Adjustment{ProductID: "missing", Change: 1})
	require.ErrorIs(t, err, stock.ErrProductNotFound)

	entries, err := s.Entries(ctx, stock.Filter{ProductID: id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestInTx_RollsBackEverything(t *testing.T) {
	s, id := seeded(t, 5)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, &sale.Transaction{ID: "t1", Status: sale.StatusCompleted}))
		_, err := tx.Ledger().Adjust(ctx, stock.Adjustment{ProductID: id, Change: -3, Type: stock.ChangeSale})
		require.NoError(t, err)
		require.NoError(t, tx.Audit().Append(ctx, &audit.Entry{Action: audit.ActionProcessSale}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Transaction(ctx, "t1")
	require.ErrorIs(t, err, sale.ErrNotFound)

	lvl, err := s.Level(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, lvl.Quantity)

	entries, err := s.Logs(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInTx_CommitsAndIsolatesCopies(t *testing.T) {
	s, _ := seeded(t, 5)
	ctx := context.Background()

	tr := &sale.Transaction{ID: "t1", Status: sale.StatusCompleted, Items: []sale.Item{{ID: "i1", Quantity: 2}}}
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		return tx.InsertTransaction(ctx, tr)
	}))

	tr.Items[0].Quantity = 99

	got, err := s.Transaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Items[0].Quantity)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRefundsFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		for i, st := range []sale.RefundStatus{sale.RefundCompleted, sale.RefundPending, sale.RefundCompleted} {
			if err := tx.InsertRefund(ctx, &sale.Refund{
				ID:            string(rune('a' + i)),
				TransactionID: "t1",
				Status:        st,
				CreatedAt:     base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := s.Refunds(ctx, sale.RefundFilter{TransactionID: "t1", Status: sale.RefundCompleted})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)

	got, err = s.Refunds(ctx, sale.RefundFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestAuditCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.Append(ctx, &audit.Entry{ID: id, Action: "x", CreatedAt: ts}))
	}

	page, err := s.Logs(ctx, audit.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	last := page[len(page)-1]
	page, err = s.Logs(ctx, audit.Filter{After: &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "3", page[0].ID)
}
