// Package handler implements the register HTTP API on top of the domain
// services.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/cart"
	"github.com/xenking/pos-engine/internal/domain/checkout"
	"github.com/xenking/pos-engine/internal/domain/inventory"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/reversal"
	"github.com/xenking/pos-engine/internal/domain/sale"
)

// Services are the domain dependencies of the Handler.
type Services struct {
	Carts      *cart.Service
	Checkout   *checkout.Service
	Reversals  *reversal.Service
	Inventory  *inventory.Service
	Products   product.Repository
	Sales      sale.Reader
	Audit      audit.Reader
	Authorizer authz.Authorizer
}

// Handler serves the /api routes. Every route expects an authenticated
// principal, see SecurityHandler.Middleware.
type Handler struct {
	carts     *cart.Service
	checkout  *checkout.Service
	reversals *reversal.Service
	inventory *inventory.Service
	products  product.Repository
	sales     sale.Reader
	audit     audit.Reader
	authz     authz.Authorizer
}

// NewHandler constructs a Handler.
func NewHandler(s Services) *Handler {
	return &Handler{
		carts:     s.Carts,
		checkout:  s.Checkout,
		reversals: s.Reversals,
		inventory: s.Inventory,
		products:  s.Products,
		sales:     s.Sales,
		audit:     s.Audit,
		authz:     s.Authorizer,
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(middleware.AllowContentType("application/json"))

	r.Post("/checkout", h.processCheckout)

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.getCart)
		r.Delete("/", h.clearCart)
		r.Post("/items", h.addCartItem)
		r.Put("/items/{lineID}", h.updateCartItem)
		r.Delete("/items/{lineID}", h.removeCartItem)
		r.Put("/items/{lineID}/discount", h.setLineDiscount)
		r.Post("/discount", h.applyDiscount)
	})

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.listTransactions)
		r.Get("/{id}", h.getTransaction)
		r.Post("/{id}/void", h.voidTransaction)
		r.Post("/{id}/refunds", h.createRefund)
	})

	r.Route("/refunds", func(r chi.Router) {
		r.Get("/", h.listRefunds)
		r.Get("/{id}", h.getRefund)
		r.Post("/{id}/cancel", h.cancelRefund)
	})

	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Get("/{id}", h.getProduct)
		r.Get("/barcode/{barcode}", h.getProductByBarcode)
		r.Post("/{id}/stock", h.adjustStock)
	})

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/logs", h.inventoryLogs)
		r.Get("/low-stock", h.lowStock)
	})

	r.Get("/audit", h.auditLogs)
}

// principal returns the authenticated principal of r. Routes are mounted
// behind SecurityHandler.Middleware, so a missing principal is a wiring bug
// and is reported as unauthenticated.
func principal(r *http.Request) (authz.Principal, error) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return authz.Principal{}, errUnauthenticated
	}
	return p, nil
}

// require checks c for read endpoints that have no owning service.
func (h *Handler) require(r *http.Request, c authz.Capability) (authz.Principal, error) {
	p, err := principal(r)
	if err != nil {
		return p, err
	}
	if d := h.authz.Authorize(p, c); !d.Allowed {
		return p, errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}
	return p, nil
}
