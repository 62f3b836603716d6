package handler

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/cart"
	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/payment"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

const maxBodySize = 1 << 20

// badRequestError is a malformed request: bad JSON, a missing field or an
// unparsable query parameter.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }

func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &badRequestError{err: errors.Errorf(format, args...)}
}

// decodeObject reads the request body as one JSON object.
func decodeObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	d := jx.Decode(http.MaxBytesReader(nil, r.Body, maxBodySize), 4096)
	if err := d.Obj(fn); err != nil {
		return &badRequestError{err: errors.Wrap(err, "decode body")}
	}
	return nil
}

// decodeOptionalObject is decodeObject for bodies that may be empty. Chunked
// requests do not announce an empty body, so it is read before decoding.
func decodeOptionalObject(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return &badRequestError{err: errors.Wrap(err, "read body")}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return &badRequestError{err: errors.Wrap(err, "decode body")}
	}
	return nil
}

// decodeAmount reads a display amount given as a JSON number or string.
func decodeAmount(d *jx.Decoder) (int64, error) {
	s, err := decodeNumeric(d)
	if err != nil {
		return 0, err
	}
	return money.ParseNonNegative(s)
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := decodeNumeric(d)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

func decodeNumeric(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.Errorf("expected number, got %s", d.Next())
	}
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeMoney(e *jx.Encoder, minor int64) {
	e.Num(jx.Num(money.Format(minor)))
}

func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.String()))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func optStr(e *jx.Encoder, name, v string) {
	if v != "" {
		e.FieldStart(name)
		e.Str(v)
	}
}

func optTime(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		e.FieldStart(name)
		encodeTime(e, *t)
	}
}

func moneyField(e *jx.Encoder, name string, v int64) {
	e.FieldStart(name)
	encodeMoney(e, v)
}

func encodeArray[T any](e *jx.Encoder, items []T, fn func(e *jx.Encoder, v *T)) {
	e.ArrStart()
	for i := range items {
		fn(e, &items[i])
	}
	e.ArrEnd()
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	totals := c.Totals()
	e.ObjStart()
	e.FieldStart("items")
	encodeArray(e, c.Lines, func(e *jx.Encoder, l *cart.Line) {
		e.ObjStart()
		e.Field("id", func(e *jx.Encoder) { e.Int(l.ID) })
		e.Field("productId", func(e *jx.Encoder) { e.Str(l.ProductID) })
		optStr(e, "barcode", l.Barcode)
		e.Field("name", func(e *jx.Encoder) { e.Str(l.Name) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
		moneyField(e, "unitPrice", l.UnitPrice)
		e.Field("taxRate", func(e *jx.Encoder) { encodeDecimal(e, l.TaxRate) })
		moneyField(e, "discount", l.Discount)
		moneyField(e, "taxAmount", l.TaxAmount())
		moneyField(e, "lineTotal", l.Net())
		e.ObjEnd()
	})
	e.Field("discount", func(e *jx.Encoder) {
		e.ObjStart()
		typ := c.Discount.Type
		if typ == "" {
			typ = cart.DiscountNone
		}
		e.Field("type", func(e *jx.Encoder) { e.Str(string(typ)) })
		switch typ {
		case cart.DiscountPercentage:
			e.Field("value", func(e *jx.Encoder) { encodeDecimal(e, c.Discount.Percent) })
		case cart.DiscountFixed:
			moneyField(e, "value", c.Discount.Amount)
		}
		optStr(e, "authorizedBy", c.Discount.AuthorizedBy)
		e.ObjEnd()
	})
	moneyField(e, "subtotal", totals.Subtotal)
	moneyField(e, "discountAmount", totals.Discount)
	moneyField(e, "tax", totals.Tax)
	moneyField(e, "total", totals.Total)
	e.ObjEnd()
}

func encodeTransaction(e *jx.Encoder, t *sale.Transaction) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(t.ID) })
	e.Field("number", func(e *jx.Encoder) { e.Str(t.Number) })
	e.Field("type", func(e *jx.Encoder) { e.Str(string(t.Type)) })
	e.Field("status", func(e *jx.Encoder) { e.Str(string(t.Status)) })
	moneyField(e, "subtotal", t.Subtotal)
	moneyField(e, "discountAmount", t.Discount)
	optStr(e, "discountType", t.DiscountType)
	moneyField(e, "tax", t.Tax)
	moneyField(e, "total", t.Total)
	e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(t.PaymentMethod)) })
	optStr(e, "paymentReference", t.PaymentReference)
	optStr(e, "paymentAccount", t.PaymentAccount)
	moneyField(e, "amountPaid", t.AmountPaid)
	moneyField(e, "change", t.Change)
	e.Field("cashierId", func(e *jx.Encoder) { e.Str(t.CashierID) })
	optStr(e, "authorizedBy", t.AuthorizedBy)
	optStr(e, "voidedBy", t.VoidedBy)
	optStr(e, "voidReason", t.VoidReason)
	e.FieldStart("items")
	encodeArray(e, t.Items, func(e *jx.Encoder, it *sale.Item) {
		e.ObjStart()
		e.Field("id", func(e *jx.Encoder) { e.Str(it.ID) })
		e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
		optStr(e, "barcode", it.Barcode)
		e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
		moneyField(e, "unitPrice", it.UnitPrice)
		moneyField(e, "discount", it.Discount)
		e.Field("taxRate", func(e *jx.Encoder) { encodeDecimal(e, it.TaxRate) })
		moneyField(e, "taxAmount", it.TaxAmount)
		moneyField(e, "lineTotal", it.LineTotal)
		e.ObjEnd()
	})
	e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, t.CreatedAt) })
	optTime(e, "completedAt", t.CompletedAt)
	optTime(e, "voidedAt", t.VoidedAt)
	e.ObjEnd()
}

func encodePayment(e *jx.Encoder, p *payment.Result) {
	e.ObjStart()
	e.Field("method", func(e *jx.Encoder) { e.Str(string(p.Method)) })
	e.Field("reference", func(e *jx.Encoder) { e.Str(p.Reference) })
	optStr(e, "account", p.Account)
	moneyField(e, "amount", p.Amount)
	moneyField(e, "paid", p.Paid)
	moneyField(e, "change", p.Change)
	optStr(e, "message", p.Message)
	e.Field("processedAt", func(e *jx.Encoder) { encodeTime(e, p.ProcessedAt) })
	e.ObjEnd()
}

func encodeRefund(e *jx.Encoder, r *sale.Refund) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(r.ID) })
	e.Field("number", func(e *jx.Encoder) { e.Str(r.Number) })
	e.Field("transactionId", func(e *jx.Encoder) { e.Str(r.TransactionID) })
	moneyField(e, "amount", r.Amount)
	e.Field("method", func(e *jx.Encoder) { e.Str(string(r.Method)) })
	optStr(e, "reference", r.Reference)
	e.Field("status", func(e *jx.Encoder) { e.Str(string(r.Status)) })
	e.Field("refundedBy", func(e *jx.Encoder) { e.Str(r.RefundedBy) })
	optStr(e, "authorizedBy", r.AuthorizedBy)
	e.Field("reason", func(e *jx.Encoder) { e.Str(r.Reason) })
	e.FieldStart("items")
	encodeArray(e, r.Items, func(e *jx.Encoder, it *sale.RefundItem) {
		e.ObjStart()
		e.Field("itemId", func(e *jx.Encoder) { e.Str(it.TransactionItemID) })
		e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
		e.ObjEnd()
	})
	e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, r.CreatedAt) })
	optTime(e, "completedAt", r.CompletedAt)
	e.ObjEnd()
}

func encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
	e.Field("barcode", func(e *jx.Encoder) { e.Str(p.Barcode) })
	e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
	optStr(e, "description", p.Description)
	optStr(e, "category", p.Category)
	moneyField(e, "price", p.Price)
	e.Field("stockQuantity", func(e *jx.Encoder) { e.Int(p.StockQuantity) })
	e.Field("reorderLevel", func(e *jx.Encoder) { e.Int(p.ReorderLevel) })
	e.Field("needsReorder", func(e *jx.Encoder) { e.Bool(p.NeedsReorder()) })
	e.Field("taxRate", func(e *jx.Encoder) { encodeDecimal(e, p.TaxRate) })
	e.Field("active", func(e *jx.Encoder) { e.Bool(p.Active) })
	e.ObjEnd()
}

func encodeStockEntry(e *jx.Encoder, s *stock.Entry) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(s.ID) })
	e.Field("productId", func(e *jx.Encoder) { e.Str(s.ProductID) })
	e.Field("changeType", func(e *jx.Encoder) { e.Str(string(s.ChangeType)) })
	e.Field("before", func(e *jx.Encoder) { e.Int(s.Before) })
	e.Field("change", func(e *jx.Encoder) { e.Int(s.Change) })
	e.Field("after", func(e *jx.Encoder) { e.Int(s.After) })
	e.Field("referenceType", func(e *jx.Encoder) { e.Str(string(s.ReferenceType)) })
	optStr(e, "referenceId", s.ReferenceID)
	optStr(e, "actorId", s.ActorID)
	optStr(e, "notes", s.Notes)
	e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, s.CreatedAt) })
	e.ObjEnd()
}

func encodeAuditEntry(e *jx.Encoder, a *audit.Entry) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(a.ID) })
	optStr(e, "actorId", a.ActorID)
	e.Field("action", func(e *jx.Encoder) { e.Str(a.Action) })
	e.Field("resourceType", func(e *jx.Encoder) { e.Str(a.ResourceType) })
	optStr(e, "resourceId", a.ResourceID)
	e.Field("outcome", func(e *jx.Encoder) { e.Str(string(a.Outcome)) })
	if len(a.Details) > 0 {
		e.Field("details", func(e *jx.Encoder) {
			e.ObjStart()
			for k, v := range a.Details {
				e.Field(k, func(e *jx.Encoder) { e.Str(v) })
			}
			e.ObjEnd()
		})
	}
	optStr(e, "remoteAddr", a.RemoteAddr)
	e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, a.CreatedAt) })
	e.ObjEnd()
}

// query reads optional filter parameters and remembers the first parse
// failure.
type query struct {
	r   *http.Request
	err error
}

func newQuery(r *http.Request) *query { return &query{r: r} }

func (q *query) str(name string) string { return q.r.URL.Query().Get(name) }

func (q *query) time(name string) time.Time {
	s := q.str(name)
	if s == "" || q.err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	q.err = badRequest("%s: invalid time %q", name, s)
	return time.Time{}
}

func (q *query) int(name string) int {
	s := q.str(name)
	if s == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		q.err = badRequest("%s: invalid integer %q", name, s)
		return 0
	}
	return n
}

func (q *query) bool(name string) bool {
	s := q.str(name)
	if s == "" || q.err != nil {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		q.err = badRequest("%s: invalid boolean %q", name, s)
	}
	return b
}
