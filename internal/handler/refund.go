package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/sale"
)

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapReports); err != nil {
		fail(w, r, err)
		return
	}
	q := newQuery(r)
	f := sale.RefundFilter{
		TransactionID: q.str("transactionId"),
		Status:        sale.RefundStatus(q.str("status")),
		From:          q.time("from"),
		To:            q.time("to"),
		Limit:         q.int("limit"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}

	refunds, err := h.sales.Refunds(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeArray(e, refunds, encodeRefund)
	})
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapReports); err != nil {
		fail(w, r, err)
		return
	}
	refund, err := h.sales.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRefund(e, refund) })
}

func (h *Handler) cancelRefund(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	refund, err := h.reversals.CancelRefund(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRefund(e, refund) })
}
