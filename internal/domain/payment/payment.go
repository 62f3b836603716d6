// Package payment models the payment gateway used at checkout and for
// refunds.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-engine/internal/domain/money"
)

// Method is a tender type.
type Method string

const (
	MethodCash Method = "cash"
	MethodCard Method = "card"
	MethodUPI  Method = "upi"
)

// ErrUnsupportedMethod is returned for unknown tender types.
var ErrUnsupportedMethod = errors.New("unsupported payment method")

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodCash, MethodCard, MethodUPI:
		return m, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedMethod, "%q", s)
	}
}

func (m Method) prefix() string {
	switch m {
	case MethodCash:
		return "CASH"
	case MethodCard:
		return "CARD"
	case MethodUPI:
		return "UPI"
	default:
		return "PAY"
	}
}

// DeclinedError is returned when the gateway refuses a charge.
type DeclinedError struct {
	Method Method
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s payment declined: %s", e.Method, e.Reason)
}

// InsufficientPaymentError is returned when tendered cash does not cover the
// total.
type InsufficientPaymentError struct {
	Required int64
	Tendered int64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("insufficient payment: required %s, tendered %s",
		money.Format(e.Required), money.Format(e.Tendered))
}

// InvalidReferenceError is returned when a payer reference fails validation.
type InvalidReferenceError struct {
	Method Method
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid %s reference: %s", e.Method, e.Reason)
}

// Request is a charge request. Amount and Tendered are minor units; Tendered
// is only meaningful for cash. Account is the payer reference (card number or
// UPI id) and is validated but never echoed back unmasked.
type Request struct {
	Method   Method
	Amount   int64
	Tendered int64
	Account  string
}

// RefundRequest reverses a prior charge.
type RefundRequest struct {
	Method            Method
	Amount            int64
	OriginalReference string
}

// Result describes an approved charge or refund.
type Result struct {
	Method      Method
	Reference   string
	Account     string
	Amount      int64
	Paid        int64
	Change      int64
	Message     string
	ProcessedAt time.Time
}

// Gateway authorizes charges and issues refunds. Authorize returns
// *DeclinedError or *InsufficientPaymentError for refused payments.
type Gateway interface {
	Authorize(ctx context.Context, req Request) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}
