package handler

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

func (h *Handler) inventoryLogs(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	q := newQuery(r)
	f := stock.Filter{
		ProductID:   q.str("productId"),
		ReferenceID: q.str("referenceId"),
		From:        q.time("from"),
		To:          q.time("to"),
		Limit:       q.int("limit"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}

	entries, err := h.inventory.History(r.Context(), p, f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeArray(e, entries, encodeStockEntry)
	})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	products, err := h.inventory.LowStock(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeArray(e, products, encodeProduct)
	})
}

// auditLogs pages through the audit trail oldest first. The response carries
// an opaque "next" cursor while more entries may follow.
func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := h.require(r, authz.CapReports); err != nil {
		fail(w, r, err)
		return
	}
	q := newQuery(r)
	f := audit.Filter{
		ActorID:      q.str("actorId"),
		Action:       q.str("action"),
		ResourceType: q.str("resourceType"),
		ResourceID:   q.str("resourceId"),
		From:         q.time("from"),
		To:           q.time("to"),
		Limit:        sale.EffectiveLimit(q.int("limit")),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	if s := q.str("after"); s != "" {
		c, err := decodeCursor(s)
		if err != nil {
			fail(w, r, err)
			return
		}
		f.After = c
	}

	entries, err := h.audit.Logs(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("entries")
		encodeArray(e, entries, encodeAuditEntry)
		if len(entries) == f.Limit {
			last := entries[len(entries)-1]
			e.Field("next", func(e *jx.Encoder) {
				e.Str(encodeCursor(audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}))
			})
		}
		e.ObjEnd()
	})
}

func encodeCursor(c audit.Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*audit.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, badRequest("invalid cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, badRequest("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, badRequest("invalid cursor")
	}
	return &audit.Cursor{CreatedAt: t, ID: id}, nil
}
