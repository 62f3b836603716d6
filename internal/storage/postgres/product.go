package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-engine/internal/domain/product"
)

const (
	productColumns = `id, barcode, name, description, category, price, cost,
		stock_quantity, reorder_level, tax_rate, active, created_at, updated_at`

	getProductByIDSQL = `SELECT ` + productColumns + `
		FROM products WHERE id = $1 AND active`

	getProductByBarcodeSQL = `SELECT ` + productColumns + `
		FROM products WHERE barcode = $1 AND active`

	upsertProductSQL = `INSERT INTO products (id, barcode, name, description, category, price, cost,
			stock_quantity, reorder_level, tax_rate, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (barcode) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			price = EXCLUDED.price,
			cost = EXCLUDED.cost,
			reorder_level = EXCLUDED.reorder_level,
			tax_rate = EXCLUDED.tax_rate,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns catalog products ordered by name.
func (r *ProductRepository) List(ctx context.Context, f product.Filter) ([]product.Product, error) {
	var w where
	if f.ActiveOnly {
		w.add("active")
	}
	if f.Category != "" {
		w.add("category = ?", f.Category)
	}
	if f.LowStock {
		w.add("stock_quantity <= reorder_level")
	}

	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products`+w.String()+` ORDER BY name`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns an active product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	return r.getOne(ctx, getProductByIDSQL, id)
}

// GetByBarcode returns an active product by its barcode.
func (r *ProductRepository) GetByBarcode(ctx context.Context, barcode string) (*product.Product, error) {
	return r.getOne(ctx, getProductByBarcodeSQL, barcode)
}

func (r *ProductRepository) getOne(ctx context.Context, sql, key string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, sql, key)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", key, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", key, err)
	}
	return &p, nil
}

// Upsert inserts a product or updates the catalog fields of the product with
// the same barcode. Stock of an existing product is left untouched; it only
// moves through the ledger.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ReorderLevel == 0 {
		p.ReorderLevel = product.DefaultReorderLevel
	}

	var id string
	err := r.pool.QueryRow(ctx, upsertProductSQL,
		p.ID, p.Barcode, p.Name, p.Description, p.Category, p.Price, p.Cost,
		p.StockQuantity, p.ReorderLevel, p.TaxRate, p.Active,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting product %q: %w", p.Barcode, err)
	}
	return id, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p             product.Product
		stockQuantity int32
		reorderLevel  int32
	)
	err := row.Scan(
		&p.ID, &p.Barcode, &p.Name, &p.Description, &p.Category, &p.Price, &p.Cost,
		&stockQuantity, &reorderLevel, &p.TaxRate, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	p.StockQuantity = int(stockQuantity)
	p.ReorderLevel = int(reorderLevel)
	return p, err
}
