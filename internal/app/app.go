package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/cart"
	"github.com/xenking/pos-engine/internal/domain/checkout"
	"github.com/xenking/pos-engine/internal/domain/inventory"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/reversal"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
	"github.com/xenking/pos-engine/internal/handler"
	"github.com/xenking/pos-engine/internal/storage/memory"
	"github.com/xenking/pos-engine/internal/storage/postgres"
	"github.com/xenking/pos-engine/pkg/health"
	"github.com/xenking/pos-engine/pkg/httpmiddleware"
)

// saleStore is a unit of work plus read access to sale records.
type saleStore interface {
	sale.Store
	sale.Reader
}

// storage is the persistence backing one process.
type storage struct {
	products product.Repository
	ledger   stock.Ledger
	history  stock.History
	trail    audit.Trail
	logs     audit.Reader
	sales    saleStore
	close    func()
}

// openStorage connects to PostgreSQL when a database URL is configured and
// falls back to the in-memory store otherwise.
func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config, reg *health.Registry) (*storage, error) {
	if cfg.DatabaseURL == "" {
		lg.Warn("No database URL configured, using in-memory store")
		st := memory.New()
		return &storage{
			products: st,
			ledger:   st,
			history:  st,
			trail:    st,
			logs:     st,
			sales:    st,
			close:    func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	reg.Register(health.Readiness, "postgres", health.Options{Timeout: 5 * time.Second}, health.Ping(pool))

	stockRepo := postgres.NewStockRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)
	return &storage{
		products: postgres.NewProductRepository(pool),
		ledger:   stockRepo,
		history:  stockRepo,
		trail:    auditRepo,
		logs:     auditRepo,
		sales:    postgres.NewSaleStore(pool),
		close:    pool.Close,
	}, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	threshold, err := cfg.Discount.threshold()
	if err != nil {
		return err
	}

	// Health checks.
	reg := health.New()
	reg.Register(health.Liveness, "goroutines", health.Options{}, health.Goroutines(10000))

	st, err := openStorage(ctx, lg, cfg, reg)
	if err != nil {
		return err
	}
	defer st.close()

	// Domain services.
	authorizer := authz.NewPolicyAuthorizer(authz.DefaultPolicy())
	gateway := payment.NewSimulator(cfg.Payment.simulator())
	carts := cart.NewService(st.products, authorizer, st.trail, threshold)
	checkoutSvc, err := checkout.NewService(carts, st.ledger, gateway, st.sales, st.trail, authorizer,
		m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	reversals := reversal.NewService(st.sales, gateway, authorizer, m.TracerProvider())
	inventorySvc := inventory.NewService(st.sales, st.history, st.products, authorizer)

	// HTTP handlers.
	h := handler.NewHandler(handler.Services{
		Carts:      carts,
		Checkout:   checkoutSvc,
		Reversals:  reversals,
		Inventory:  inventorySvc,
		Products:   st.products,
		Sales:      st.sales,
		Audit:      st.logs,
		Authorizer: authorizer,
	})
	security := handler.NewSecurityHandler([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	limiter := httpmiddleware.NewRateLimiter(httpmiddleware.RateLimitConfig{
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
		KeyFunc: handler.ActorKey,
	})

	// Router: health endpoints + API routes on one server.
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.Origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", handler.HeaderGrant, httpmiddleware.HeaderRequestID},
			ExposedHeaders:   []string{httpmiddleware.HeaderRequestID, "Retry-After"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}),
	)
	r.Get("/livez", reg.Livez)
	r.Get("/readyz", reg.Readyz)
	r.Route("/api", func(r chi.Router) {
		r.Use(security.Middleware(), limiter.Middleware())
		h.Routes(r)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Card and UPI authorizations wait on simulated network latency.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: otelhttp.NewHandler(r, "pos-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Run(gctx, 10*time.Second)
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		reg.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	reg.SetReady(true)

	return g.Wait()
}
