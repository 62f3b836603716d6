package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

const (
	getStockLevelSQL = `SELECT id, stock_quantity, reorder_level FROM products WHERE id = $1`

	// The guard keeps the decrement and the non-negative check in one
	// statement so concurrent sales cannot oversell.
	adjustStockSQL = `UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1 AND stock_quantity + $2 >= 0
		RETURNING stock_quantity`

	insertInventoryLogSQL = `INSERT INTO inventory_logs (id, product_id, change_type,
			quantity_before, quantity_change, quantity_after,
			reference_type, reference_id, actor_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	inventoryLogColumns = `id, product_id, change_type, quantity_before, quantity_change, quantity_after,
		reference_type, reference_id, actor_id, notes, created_at`
)

var (
	_ stock.Ledger  = (*StockRepository)(nil)
	_ stock.History = (*StockRepository)(nil)
)

// StockRepository implements stock.Ledger and stock.History backed by
// PostgreSQL.
type StockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository returns a StockRepository that uses the given pool.
func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{pool: pool}
}

// Level returns the current quantity of a product.
func (r *StockRepository) Level(ctx context.Context, productID string) (stock.Level, error) {
	return stockLevel(ctx, r.pool, productID)
}

// Adjust applies a single adjustment in its own database transaction.
func (r *StockRepository) Adjust(ctx context.Context, adj stock.Adjustment) (stock.Entry, error) {
	var e stock.Entry
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		e, err = adjustStock(ctx, tx, adj)
		return err
	})
	return e, err
}

// Entries lists stock movements, newest first.
func (r *StockRepository) Entries(ctx context.Context, f stock.Filter) ([]stock.Entry, error) {
	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.ReferenceID != "" {
		w.add("reference_id = ?", f.ReferenceID)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at < ?", f.To)
	}
	query := `SELECT ` + inventoryLogColumns + ` FROM inventory_logs` + w.String() +
		` ORDER BY created_at DESC, id DESC`
	query += w.limit(sale.EffectiveLimit(f.Limit))

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("listing inventory logs: %w", err)
	}
	return pgx.CollectRows(rows, scanEntry)
}

func stockLevel(ctx context.Context, q querier, productID string) (stock.Level, error) {
	var (
		lvl          stock.Level
		qty, reorder int32
	)
	err := q.QueryRow(ctx, getStockLevelSQL, productID).Scan(&lvl.ProductID, &qty, &reorder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.Level{}, stock.ErrProductNotFound
		}
		return stock.Level{}, fmt.Errorf("getting stock level %q: %w", productID, err)
	}
	lvl.Quantity = int(qty)
	lvl.ReorderLevel = int(reorder)
	return lvl, nil
}

// adjustStock must run inside a database transaction so the quantity update
// and its log row commit together.
func adjustStock(ctx context.Context, q querier, adj stock.Adjustment) (stock.Entry, error) {
	var after int32
	err := q.QueryRow(ctx, adjustStockSQL, adj.ProductID, adj.Change).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		lvl, lerr := stockLevel(ctx, q, adj.ProductID)
		if lerr != nil {
			return stock.Entry{}, lerr
		}
		return stock.Entry{}, &stock.InsufficientStockError{
			ProductID: adj.ProductID,
			Available: lvl.Quantity,
			Requested: -adj.Change,
		}
	}
	if err != nil {
		return stock.Entry{}, fmt.Errorf("adjusting stock %q: %w", adj.ProductID, err)
	}

	e, err := stock.Apply(int(after)-adj.Change, adj, uuid.NewString(), time.Now().UTC())
	if err != nil {
		return stock.Entry{}, err
	}
	_, err = q.Exec(ctx, insertInventoryLogSQL,
		e.ID, e.ProductID, string(e.ChangeType), e.Before, e.Change, e.After,
		string(e.ReferenceType), e.ReferenceID, e.ActorID, e.Notes, e.CreatedAt,
	)
	if err != nil {
		return stock.Entry{}, fmt.Errorf("inserting inventory log: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.CollectableRow) (stock.Entry, error) {
	var (
		e                     stock.Entry
		changeType, refType   string
		before, change, after int32
	)
	err := row.Scan(
		&e.ID, &e.ProductID, &changeType, &before, &change, &after,
		&refType, &e.ReferenceID, &e.ActorID, &e.Notes, &e.CreatedAt,
	)
	e.ChangeType = stock.ChangeType(changeType)
	e.ReferenceType = stock.ReferenceType(refType)
	e.Before, e.Change, e.After = int(before), int(change), int(after)
	return e, err
}
