package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/cart"
	"github.com/xenking/pos-engine/internal/domain/checkout"
	"github.com/xenking/pos-engine/internal/domain/inventory"
	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/reversal"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
	"github.com/xenking/pos-engine/pkg/httpmiddleware"
)

// Error kinds reported in the "error" field of failure responses.
const (
	kindValidation            = "validation_error"
	kindNotFound              = "not_found"
	kindInsufficientStock     = "insufficient_stock"
	kindInsufficientPayment   = "insufficient_payment"
	kindPaymentDeclined       = "payment_declined"
	kindUnauthenticated       = "unauthenticated"
	kindUnauthorized          = "unauthorized"
	kindRequiresAuthorization = "requires_authorization"
	kindOverRefund            = "over_refund"
	kindAlreadyVoided         = "already_voided"
	kindAlreadyRefunded       = "already_refunded"
	kindInvalidRefundItem     = "invalid_refund_item"
	kindConflict              = "conflict"
	kindInternal              = "internal_error"
)

// apiError is the HTTP rendition of a domain error.
type apiError struct {
	Status  int
	Kind    string
	Message string
	// Extra adds kind-specific fields to the body.
	Extra func(e *jx.Encoder)
}

// mapError converts domain errors to API errors. Unknown errors map to an
// internal error with a generic message.
func mapError(err error) apiError {
	var (
		badReq   *badRequestError
		qty      *cart.InvalidQuantityError
		ref      *payment.InvalidReferenceError
		short    *stock.InsufficientStockError
		unpaid   *payment.InsufficientPaymentError
		declined *payment.DeclinedError
		over     *reversal.OverRefundError
		item     *reversal.InvalidRefundItemError
	)
	switch {
	case errors.As(err, &badReq),
		errors.As(err, &qty),
		errors.As(err, &ref),
		errors.Is(err, cart.ErrInvalidDiscount),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, payment.ErrUnsupportedMethod),
		errors.Is(err, reversal.ErrInvalidAmount),
		errors.Is(err, reversal.ErrNotRefundable),
		errors.Is(err, reversal.ErrRefundNotPending),
		errors.Is(err, inventory.ErrInvalidAdjustment),
		errors.Is(err, money.ErrNegative):
		return apiError{Status: http.StatusBadRequest, Kind: kindValidation, Message: err.Error()}

	case errors.Is(err, product.ErrNotFound),
		errors.Is(err, stock.ErrProductNotFound),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, sale.ErrNotFound),
		errors.Is(err, sale.ErrRefundNotFound):
		return apiError{Status: http.StatusNotFound, Kind: kindNotFound, Message: err.Error()}

	case errors.As(err, &short):
		return apiError{
			Status:  http.StatusBadRequest,
			Kind:    kindInsufficientStock,
			Message: short.Error(),
			Extra: func(e *jx.Encoder) {
				e.Field("productId", func(e *jx.Encoder) { e.Str(short.ProductID) })
				e.Field("available", func(e *jx.Encoder) { e.Int(short.Available) })
				e.Field("requested", func(e *jx.Encoder) { e.Int(short.Requested) })
			},
		}

	case errors.As(err, &unpaid):
		return apiError{
			Status:  http.StatusPaymentRequired,
			Kind:    kindInsufficientPayment,
			Message: unpaid.Error(),
			Extra: func(e *jx.Encoder) {
				moneyField(e, "required", unpaid.Required)
				moneyField(e, "tendered", unpaid.Tendered)
			},
		}

	case errors.As(err, &declined):
		return apiError{
			Status:  http.StatusPaymentRequired,
			Kind:    kindPaymentDeclined,
			Message: declined.Error(),
			Extra: func(e *jx.Encoder) {
				e.Field("reason", func(e *jx.Encoder) { e.Str(declined.Reason) })
			},
		}

	case errors.Is(err, errUnauthenticated):
		return apiError{Status: http.StatusUnauthorized, Kind: kindUnauthenticated, Message: err.Error()}

	case errors.Is(err, authz.ErrRequiresAuthorization):
		return apiError{Status: http.StatusForbidden, Kind: kindRequiresAuthorization, Message: err.Error()}

	case errors.Is(err, authz.ErrUnauthorized):
		return apiError{Status: http.StatusForbidden, Kind: kindUnauthorized, Message: err.Error()}

	case errors.As(err, &over):
		return apiError{
			Status:  http.StatusBadRequest,
			Kind:    kindOverRefund,
			Message: over.Error(),
			Extra: func(e *jx.Encoder) {
				moneyField(e, "alreadyRefunded", over.AlreadyRefunded)
				moneyField(e, "max", over.Max)
				moneyField(e, "requested", over.Requested)
			},
		}

	case errors.As(err, &item):
		return apiError{
			Status:  http.StatusBadRequest,
			Kind:    kindInvalidRefundItem,
			Message: item.Error(),
			Extra: func(e *jx.Encoder) {
				e.Field("itemId", func(e *jx.Encoder) { e.Str(item.ItemID) })
				e.Field("reason", func(e *jx.Encoder) { e.Str(item.Reason) })
			},
		}

	case errors.Is(err, sale.ErrAlreadyVoided), errors.Is(err, sale.ErrTransactionVoided):
		return apiError{Status: http.StatusBadRequest, Kind: kindAlreadyVoided, Message: err.Error()}

	case errors.Is(err, sale.ErrAlreadyRefunded):
		return apiError{Status: http.StatusBadRequest, Kind: kindAlreadyRefunded, Message: err.Error()}

	case errors.Is(err, cart.ErrCheckoutInProgress), errors.Is(err, sale.ErrRefundInProgress),
		errors.Is(err, reversal.ErrRefundInFlight), errors.Is(err, reversal.ErrRefundPaid):
		return apiError{Status: http.StatusConflict, Kind: kindConflict, Message: err.Error()}
	}
	return apiError{Status: http.StatusInternalServerError, Kind: kindInternal, Message: "internal error"}
}

// fail writes err as a JSON error response. Internal errors are logged with
// their cause; everything else is an expected outcome.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	if ae.Status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	if ae.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pos"`)
	}
	writeJSON(w, ae.Status, func(e *jx.Encoder) {
		e.ObjStart()
		e.Field("code", func(e *jx.Encoder) { e.Int(ae.Status) })
		e.Field("error", func(e *jx.Encoder) { e.Str(ae.Kind) })
		e.Field("message", func(e *jx.Encoder) { e.Str(ae.Message) })
		if ae.Extra != nil {
			ae.Extra(e)
		}
		if id := httpmiddleware.RequestIDFromContext(r.Context()); id != "" {
			e.Field("requestId", func(e *jx.Encoder) { e.Str(id) })
		}
		e.ObjEnd()
	})
}
