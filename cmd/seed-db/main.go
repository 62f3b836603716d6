package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/storage/postgres"
)

type productJSON struct {
	Barcode       string          `json:"barcode"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	Price         decimal.Decimal `json:"price"`
	Cost          decimal.Decimal `json:"cost"`
	StockQuantity int             `json:"stockQuantity"`
	ReorderLevel  int             `json:"reorderLevel"`
	TaxRate       decimal.Decimal `json:"taxRate"`
	Active        *bool           `json:"active"`
}

func (p productJSON) toDomain() (product.Product, error) {
	switch {
	case p.Barcode == "":
		return product.Product{}, errors.New("barcode is required")
	case p.Price.IsNegative() || p.Cost.IsNegative():
		return product.Product{}, errors.New("price and cost must not be negative")
	case p.StockQuantity < 0:
		return product.Product{}, errors.New("stock must not be negative")
	case p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)):
		return product.Product{}, errors.Errorf("tax rate %s outside [0, 1]", p.TaxRate)
	}
	active := p.Active == nil || *p.Active
	return product.Product{
		Barcode:       p.Barcode,
		Name:          p.Name,
		Description:   p.Description,
		Category:      p.Category,
		Price:         money.FromDecimal(p.Price),
		Cost:          money.FromDecimal(p.Cost),
		StockQuantity: p.StockQuantity,
		ReorderLevel:  p.ReorderLevel,
		TaxRate:       p.TaxRate,
		Active:        active,
	}, nil
}

func main() {
	var (
		databaseURL  string
		productsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for i, raw := range products {
		p, err := raw.toDomain()
		if err != nil {
			return errors.Wrapf(err, "product %d", i)
		}

		id, err := repo.Upsert(ctx, p)
		if err != nil {
			return errors.Wrapf(err, "upsert product %s", p.Barcode)
		}

		slog.Info("upserted product",
			slog.String("id", id),
			slog.String("barcode", p.Barcode),
			slog.String("name", p.Name),
		)
	}

	return nil
}
