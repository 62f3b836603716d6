package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/inventory"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapSales); err != nil {
		fail(w, r, err)
		return
	}
	q := newQuery(r)
	f := product.Filter{
		Category:   q.str("category"),
		ActiveOnly: q.str("active") == "" || q.bool("active"),
		LowStock:   q.bool("lowStock"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}

	products, err := h.products.List(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeArray(e, products, encodeProduct)
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapSales); err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.products.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

func (h *Handler) getProductByBarcode(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapSales); err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.products.GetByBarcode(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

// adjustStock reads {"change": n, "type": "adjustment"|"restock", "notes"}.
func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	req := inventory.AdjustRequest{ProductID: chi.URLParam(r, "id")}
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "change":
			req.Change, err = d.Int()
		case "type":
			var s string
			s, err = d.Str()
			req.Type = stock.ChangeType(s)
		case "notes":
			req.Notes, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}

	entry, err := h.inventory.Adjust(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStockEntry(e, entry) })
}
