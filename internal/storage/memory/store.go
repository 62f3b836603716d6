// Package memory is an in-process implementation of every storage contract
// used by the register. It backs local development and the domain tests.
//
// A unit of work clones the whole state, runs against the clone and swaps it
// in on success, holding the store's write lock throughout. Callbacks passed
// to InTx must therefore only use the Tx they are given.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

var (
	_ product.Repository = (*Store)(nil)
	_ stock.Ledger       = (*Store)(nil)
	_ stock.History      = (*Store)(nil)
	_ audit.Trail        = (*Store)(nil)
	_ audit.Reader       = (*Store)(nil)
	_ sale.Store         = (*Store)(nil)
)

type state struct {
	products     map[string]product.Product
	entries      []stock.Entry
	auditLog     []audit.Entry
	transactions map[string]sale.Transaction
	refunds      map[string]sale.Refund
}

func newState() *state {
	return &state{
		products:     make(map[string]product.Product),
		transactions: make(map[string]sale.Transaction),
		refunds:      make(map[string]sale.Refund),
	}
}

func (s *state) clone() *state {
	out := &state{
		products:     maps.Clone(s.products),
		entries:      slices.Clone(s.entries),
		auditLog:     slices.Clone(s.auditLog),
		transactions: make(map[string]sale.Transaction, len(s.transactions)),
		refunds:      make(map[string]sale.Refund, len(s.refunds)),
	}
	for id, t := range s.transactions {
		out.transactions[id] = cloneTransaction(t)
	}
	for id, r := range s.refunds {
		out.refunds[id] = cloneRefund(r)
	}
	return out
}

func cloneTransaction(t sale.Transaction) sale.Transaction {
	t.Items = slices.Clone(t.Items)
	return t
}

func cloneRefund(r sale.Refund) sale.Refund {
	r.Items = slices.Clone(r.Items)
	return r
}

// Store holds all register data in memory.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UpsertProduct inserts or replaces a catalog entry. Without an ID it updates
// the product holding the same barcode, keeping its stock, or inserts a new
// one. A barcode held by a product with a different ID is rejected.
func (s *Store) UpsertProduct(_ context.Context, p product.Product) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cur := range s.st.products {
		if cur.Barcode != p.Barcode || id == p.ID {
			continue
		}
		if p.ID != "" {
			return "", errors.Wrapf(product.ErrDuplicateBarcode, "barcode %s", p.Barcode)
		}
		p.ID = id
		p.StockQuantity = cur.StockQuantity
		p.CreatedAt = cur.CreatedAt
		break
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ReorderLevel == 0 {
		p.ReorderLevel = product.DefaultReorderLevel
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.st.products[p.ID] = p
	return p.ID, nil
}

// --- product.Repository ---

// List implements product.Repository.
func (s *Store) List(_ context.Context, f product.Filter) ([]product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]product.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if f.ActiveOnly && !p.Active {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.LowStock && !p.NeedsReorder() {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b product.Product) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// GetByID implements product.Repository.
func (s *Store) GetByID(_ context.Context, id string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.products[id]
	if !ok || !p.Active {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetByBarcode implements product.Repository.
func (s *Store) GetByBarcode(_ context.Context, barcode string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.st.products {
		if p.Barcode == barcode && p.Active {
			return &p, nil
		}
	}
	return nil, product.ErrNotFound
}

// --- stock.Ledger / stock.History ---

// Level implements stock.Ledger.
func (s *Store) Level(_ context.Context, productID string) (stock.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return level(s.st, productID)
}

// Adjust implements stock.Ledger outside of a unit of work.
func (s *Store) Adjust(_ context.Context, adj stock.Adjustment) (stock.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjust(s.st, adj, s.now())
}

// Entries implements stock.History, newest first.
func (s *Store) Entries(_ context.Context, f stock.Filter) ([]stock.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []stock.Entry
	for i := len(s.st.entries) - 1; i >= 0; i-- {
		e := s.st.entries[i]
		if f.ProductID != "" && e.ProductID != f.ProductID {
			continue
		}
		if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
			continue
		}
		if !inRange(e.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, e)
		if len(out) == sale.EffectiveLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

func level(st *state, productID string) (stock.Level, error) {
	p, ok := st.products[productID]
	if !ok {
		return stock.Level{}, stock.ErrProductNotFound
	}
	return stock.Level{ProductID: p.ID, Quantity: p.StockQuantity, ReorderLevel: p.ReorderLevel}, nil
}

func adjust(st *state, adj stock.Adjustment, now time.Time) (stock.Entry, error) {
	p, ok := st.products[adj.ProductID]
	if !ok {
		return stock.Entry{}, stock.ErrProductNotFound
	}
	e, err := stock.Apply(p.StockQuantity, adj, uuid.NewString(), now)
	if err != nil {
		return stock.Entry{}, err
	}
	p.StockQuantity = e.After
	p.UpdatedAt = now
	st.products[p.ID] = p
	st.entries = append(st.entries, e)
	return e, nil
}

// --- audit.Trail / audit.Reader ---

// Append implements audit.Trail.
func (s *Store) Append(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appendAudit(s.st, e, s.now())
	return nil
}

func appendAudit(st *state, e *audit.Entry, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	row := *e
	row.Details = maps.Clone(e.Details)
	st.auditLog = append(st.auditLog, row)
}

// Logs implements audit.Reader.
func (s *Store) Logs(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	rows := slices.Clone(s.st.auditLog)
	s.mu.RUnlock()

	slices.SortStableFunc(rows, func(a, b audit.Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var out []audit.Entry
	for _, e := range rows {
		if f.After != nil {
			if c := e.CreatedAt.Compare(f.After.CreatedAt); c < 0 || (c == 0 && e.ID <= f.After.ID) {
				continue
			}
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if !inRange(e.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, e)
		if len(out) == sale.EffectiveLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// --- sale.Reader ---

// Transaction implements sale.Reader.
func (s *Store) Transaction(_ context.Context, id string) (*sale.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.st.transactions[id]
	if !ok {
		return nil, sale.ErrNotFound
	}
	t = cloneTransaction(t)
	return &t, nil
}

// Transactions implements sale.Reader, newest first.
func (s *Store) Transactions(_ context.Context, f sale.TransactionFilter) ([]sale.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sale.Transaction
	for _, t := range s.st.transactions {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.CashierID != "" && t.CashierID != f.CashierID {
			continue
		}
		if !inRange(t.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, cloneTransaction(t))
	}
	slices.SortFunc(out, func(a, b sale.Transaction) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return truncate(out, f.Limit), nil
}

// Refund implements sale.Reader.
func (s *Store) Refund(_ context.Context, id string) (*sale.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.st.refunds[id]
	if !ok {
		return nil, sale.ErrRefundNotFound
	}
	r = cloneRefund(r)
	return &r, nil
}

// Refunds implements sale.Reader, newest first.
func (s *Store) Refunds(_ context.Context, f sale.RefundFilter) ([]sale.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sale.Refund
	for _, r := range s.st.refunds {
		if f.TransactionID != "" && r.TransactionID != f.TransactionID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !inRange(r.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, cloneRefund(r))
	}
	slices.SortFunc(out, func(a, b sale.Refund) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return truncate(out, f.Limit), nil
}

// --- sale.Store ---

// InTx implements sale.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx sale.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func truncate[T any](s []T, limit int) []T {
	if l := sale.EffectiveLimit(limit); len(s) > l {
		return s[:l]
	}
	return s
}
