package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/cart"
)

func writeCart(w http.ResponseWriter, c *cart.Cart) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, c) })
}

func lineID(r *http.Request) (int, error) {
	s := chi.URLParam(r, "lineID")
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest("invalid line id %q", s)
	}
	return id, nil
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.carts.Get(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.carts.Clear(r.Context(), p); err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.carts.Get(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req cart.AddItemRequest
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			req.ProductID, err = d.Str()
		case "barcode":
			req.Barcode, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	if req.ProductID == "" && req.Barcode == "" {
		fail(w, r, badRequest("productId or barcode is required"))
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	c, err := h.carts.AddItem(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) updateCartItem(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := lineID(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	quantity := -1
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		var err error
		quantity, err = d.Int()
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}
	if quantity < 0 {
		fail(w, r, &cart.InvalidQuantityError{Quantity: quantity})
		return
	}

	c, err := h.carts.UpdateItem(r.Context(), p, id, quantity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := lineID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.carts.RemoveItem(r.Context(), p, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) setLineDiscount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := lineID(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var amount int64
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "amount" {
			return d.Skip()
		}
		var err error
		amount, err = decodeAmount(d)
		return err
	}); err != nil {
		fail(w, r, err)
		return
	}

	c, err := h.carts.SetLineDiscount(r.Context(), p, id, amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}

// applyDiscount reads {"type": "percentage"|"fixed"|"none", "value": n}.
// value is a percentage or a display amount depending on type.
func (h *Handler) applyDiscount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var (
		typ   string
		value *jx.Raw
	)
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "type":
			var err error
			typ, err = d.Str()
			return err
		case "value":
			raw, err := d.Raw()
			// raw aliases the decoder buffer.
			v := append(jx.Raw(nil), raw...)
			value = &v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		fail(w, r, err)
		return
	}

	dt, err := cart.ParseDiscountType(typ)
	if err != nil {
		fail(w, r, err)
		return
	}
	req := cart.DiscountRequest{Type: dt}
	if dt != cart.DiscountNone {
		if value == nil {
			fail(w, r, badRequest("value is required for %s discount", dt))
			return
		}
		d := jx.DecodeBytes(*value)
		switch dt {
		case cart.DiscountPercentage:
			req.Percent, err = decodeDecimal(d)
		case cart.DiscountFixed:
			req.Amount, err = decodeAmount(d)
		}
		if err != nil {
			fail(w, r, &badRequestError{err: err})
			return
		}
	}

	c, err := h.carts.ApplyDiscount(r.Context(), p, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeCart(w, c)
}
