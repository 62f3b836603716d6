package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/reversal"
	"github.com/xenking/pos-engine/internal/domain/sale"
)

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapReports); err != nil {
		fail(w, r, err)
		return
	}
	q := newQuery(r)
	f := sale.TransactionFilter{
		Status:    sale.Status(q.str("status")),
		CashierID: q.str("cashierId"),
		From:      q.time("from"),
		To:        q.time("to"),
		Limit:     q.int("limit"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}

	txs, err := h.sales.Transactions(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeArray(e, txs, encodeTransaction)
	})
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapSales); err != nil {
		fail(w, r, err)
		return
	}
	t, err := h.sales.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeTransaction(e, t) })
}

func (h *Handler) voidTransaction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var reason string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "reason" {
			return d.Skip()
		}
		var err error
		reason, err = d.Str()
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	if reason == "" {
		fail(w, r, badRequest("reason is required"))
		return
	}

	t, err := h.reversals.Void(r.Context(), p, chi.URLParam(r, "id"), reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeTransaction(e, t) })
}

// createRefund reads {"reason", "amount", "method", "items": [{"itemId",
// "quantity"}]}; every field is optional.
func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	req := reversal.RefundRequest{TransactionID: chi.URLParam(r, "id")}
	var method string
	if err := decodeOptionalObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "reason":
			req.Reason, err = d.Str()
		case "method":
			method, err = d.Str()
		case "amount":
			var v int64
			if v, err = decodeAmount(d); err == nil {
				req.Amount = &v
			}
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var line reversal.RefundLine
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "itemId":
						line.ItemID, err = d.Str()
					case "quantity":
						line.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, line)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	if method != "" {
		if req.Method, err = payment.ParseMethod(method); err != nil {
			fail(w, r, err)
			return
		}
	}

	refund, err := h.reversals.Refund(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeRefund(e, refund) })
}
