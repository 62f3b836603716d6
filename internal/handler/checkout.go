package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/checkout"
	"github.com/xenking/pos-engine/internal/domain/payment"
)

// processCheckout converts the request body to a checkout request, delegates
// to the checkout service and renders the completed transaction with its
// payment receipt.
func (h *Handler) processCheckout(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var (
		method string
		req    checkout.Request
	)
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "paymentMethod":
			method, err = d.Str()
		case "amountTendered":
			req.Tendered, err = decodeAmount(d)
		case "paymentReference":
			req.Account, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	if req.Method, err = payment.ParseMethod(method); err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.checkout.Process(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.Field("transaction", func(e *jx.Encoder) { encodeTransaction(e, res.Transaction) })
		e.Field("payment", func(e *jx.Encoder) { encodePayment(e, res.Payment) })
		e.ObjEnd()
	})
}
