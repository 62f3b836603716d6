package cart

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/money"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

// DefaultOverrideThreshold is the largest percentage discount a cashier may
// apply without a grant.
var DefaultOverrideThreshold = decimal.NewFromInt(20)

// AddItemRequest identifies a product by ID or, when ID is empty, by barcode.
type AddItemRequest struct {
	ProductID string
	Barcode   string
	Quantity  int
}

// DiscountRequest sets the cart-level discount.
type DiscountRequest struct {
	Type    DiscountType
	Percent decimal.Decimal
	Amount  int64
}

// Service owns every actor's cart. Each cart lives in its own session with
// its own lock, so actors never contend with each other while the same
// actor's operations are serialized.
type Service struct {
	products  product.Repository
	authz     authz.Authorizer
	audit     audit.Trail
	threshold decimal.Decimal
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu     sync.Mutex
	cart   Cart
	leased bool
}

// NewService creates a cart Service. A zero threshold selects
// DefaultOverrideThreshold.
func NewService(
	products product.Repository,
	authorizer authz.Authorizer,
	trail audit.Trail,
	threshold decimal.Decimal,
) *Service {
	if threshold.IsZero() {
		threshold = DefaultOverrideThreshold
	}
	return &Service{
		products:  products,
		authz:     authorizer,
		audit:     trail,
		threshold: threshold,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
}

func (s *Service) session(actorID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[actorID]
	if !ok {
		ss = &session{cart: Cart{ActorID: actorID}}
		s.sessions[actorID] = ss
	}
	return ss
}

func (s *Service) checkActor(actor authz.Principal) error {
	if d := s.authz.Authorize(actor, authz.CapSales); !d.Allowed {
		return errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}
	return nil
}

// mutate applies fn to a copy of the actor's cart and keeps the copy only when
// fn succeeds, so failed operations leave the cart unchanged.
func (s *Service) mutate(actor authz.Principal, fn func(c *Cart) error) (*Cart, error) {
	if err := s.checkActor(actor); err != nil {
		return nil, err
	}
	ss := s.session(actor.ActorID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.leased {
		return nil, ErrCheckoutInProgress
	}
	next := ss.cart.clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	ss.cart = next

	out := next.clone()
	return &out, nil
}

// Get returns a snapshot of the actor's cart, creating it lazily.
func (s *Service) Get(_ context.Context, actor authz.Principal) (*Cart, error) {
	if err := s.checkActor(actor); err != nil {
		return nil, err
	}
	ss := s.session(actor.ActorID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := ss.cart.clone()
	return &out, nil
}

// AddItem adds quantity of an active product, merging with an existing line
// for the same product.
func (s *Service) AddItem(ctx context.Context, actor authz.Principal, req AddItemRequest) (*Cart, error) {
	if req.Quantity <= 0 {
		return nil, &InvalidQuantityError{Quantity: req.Quantity}
	}
	return s.mutate(actor, func(c *Cart) error {
		p, err := s.lookup(ctx, req)
		if err != nil {
			return err
		}

		i, exists := c.lineForProduct(p.ID)
		need := req.Quantity
		if exists {
			need += c.Lines[i].Quantity
		}
		if p.StockQuantity < need {
			return &stock.InsufficientStockError{
				ProductID: p.ID,
				Available: p.StockQuantity,
				Requested: need,
			}
		}

		if exists {
			c.Lines[i].Quantity = need
			return nil
		}
		c.lastLineID++
		c.Lines = append(c.Lines, Line{
			ID:        c.lastLineID,
			ProductID: p.ID,
			Barcode:   p.Barcode,
			Name:      p.Name,
			Quantity:  req.Quantity,
			UnitPrice: p.Price,
			TaxRate:   p.TaxRate,
		})
		return nil
	})
}

func (s *Service) lookup(ctx context.Context, req AddItemRequest) (*product.Product, error) {
	var (
		p   *product.Product
		err error
	)
	switch {
	case req.ProductID != "":
		p, err = s.products.GetByID(ctx, req.ProductID)
	case req.Barcode != "":
		p, err = s.products.GetByBarcode(ctx, req.Barcode)
	default:
		return nil, product.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, product.ErrNotFound
	}
	return p, nil
}

// UpdateItem sets a line's quantity. Zero removes the line.
func (s *Service) UpdateItem(ctx context.Context, actor authz.Principal, lineID, quantity int) (*Cart, error) {
	if quantity < 0 {
		return nil, &InvalidQuantityError{Quantity: quantity}
	}
	return s.mutate(actor, func(c *Cart) error {
		i, ok := c.line(lineID)
		if !ok {
			return ErrLineNotFound
		}
		if quantity == 0 {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return nil
		}

		p, err := s.products.GetByID(ctx, c.Lines[i].ProductID)
		if err != nil {
			return err
		}
		if p.StockQuantity < quantity {
			return &stock.InsufficientStockError{
				ProductID: p.ID,
				Available: p.StockQuantity,
				Requested: quantity,
			}
		}
		c.Lines[i].Quantity = quantity
		return nil
	})
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(_ context.Context, actor authz.Principal, lineID int) (*Cart, error) {
	return s.mutate(actor, func(c *Cart) error {
		i, ok := c.line(lineID)
		if !ok {
			return ErrLineNotFound
		}
		c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		return nil
	})
}

// SetLineDiscount sets a per-line discount, capped at the line's gross.
func (s *Service) SetLineDiscount(_ context.Context, actor authz.Principal, lineID int, amount int64) (*Cart, error) {
	if amount < 0 {
		return nil, errors.Wrap(ErrInvalidDiscount, "line discount must not be negative")
	}
	return s.mutate(actor, func(c *Cart) error {
		i, ok := c.line(lineID)
		if !ok {
			return ErrLineNotFound
		}
		c.Lines[i].Discount = min(amount, c.Lines[i].Gross())
		return nil
	})
}

// ApplyDiscount replaces the cart-level discount. Percentages above the
// override threshold need the override capability, either through the
// actor's role or a grant, and are written to the audit trail.
func (s *Service) ApplyDiscount(ctx context.Context, actor authz.Principal, req DiscountRequest) (*Cart, error) {
	var d Discount
	switch req.Type {
	case DiscountNone, "":
		d = Discount{Type: DiscountNone}
	case DiscountFixed:
		if req.Amount <= 0 {
			return nil, errors.Wrap(ErrInvalidDiscount, "fixed amount must be positive")
		}
		d = Discount{Type: DiscountFixed, Amount: req.Amount}
	case DiscountPercentage:
		if !req.Percent.IsPositive() || req.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, errors.Wrap(ErrInvalidDiscount, "percentage must be within (0, 100]")
		}
		d = Discount{Type: DiscountPercentage, Percent: req.Percent}
	default:
		return nil, errors.Wrapf(ErrInvalidDiscount, "unknown type %q", req.Type)
	}

	var decision *authz.Decision
	if d.Type == DiscountPercentage && d.Percent.GreaterThan(s.threshold) {
		dec := s.authz.Authorize(actor, authz.CapOverride)
		if !dec.Allowed {
			return nil, authz.ErrRequiresAuthorization
		}
		d.AuthorizedBy = dec.AuthorizedBy
		decision = &dec
	}

	return s.mutate(actor, func(c *Cart) error {
		c.Discount = d
		if decision == nil {
			return nil
		}
		err := s.audit.Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionDiscountOverride,
			ResourceType: audit.ResourceCart,
			ResourceID:   actor.ActorID,
			Outcome:      audit.OutcomeSuccess,
			Details: map[string]string{
				"percent":       d.Percent.String(),
				"authorized_by": decision.AuthorizedBy,
				"subtotal":      money.Format(c.Totals().Subtotal),
			},
			RemoteAddr: audit.RemoteAddr(ctx),
		})
		if err != nil {
			return errors.Wrap(err, "audit discount override")
		}
		zctx.From(ctx).Info("Discount override applied",
			zap.String("actor", actor.ActorID),
			zap.String("authorized_by", decision.AuthorizedBy),
			zap.Stringer("percent", d.Percent),
		)
		return nil
	})
}

// Clear empties the actor's cart.
func (s *Service) Clear(_ context.Context, actor authz.Principal) error {
	_, err := s.mutate(actor, func(c *Cart) error {
		c.Lines = nil
		c.Discount = Discount{}
		return nil
	})
	return err
}

// Lease reserves the actor's cart for checkout. Until the lease is committed
// or released, every mutation and any second lease fail with
// ErrCheckoutInProgress. No lock is held while the lease is outstanding.
func (s *Service) Lease(_ context.Context, actor authz.Principal) (*Lease, error) {
	if err := s.checkActor(actor); err != nil {
		return nil, err
	}
	ss := s.session(actor.ActorID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.leased {
		return nil, ErrCheckoutInProgress
	}
	ss.leased = true
	return &Lease{ss: ss, cart: ss.cart.clone()}, nil
}

// Lease is exclusive checkout access to one cart.
type Lease struct {
	ss   *session
	cart Cart
	done bool
}

// Cart returns the snapshot taken when the lease was granted.
func (l *Lease) Cart() *Cart {
	return &l.cart
}

// Commit clears the cart and ends the lease.
func (l *Lease) Commit() {
	l.ss.mu.Lock()
	defer l.ss.mu.Unlock()

	if l.done {
		return
	}
	l.done = true
	l.ss.leased = false
	l.ss.cart.Lines = nil
	l.ss.cart.Discount = Discount{}
}

// Release ends the lease and keeps the cart. It is a no-op after Commit.
func (l *Lease) Release() {
	l.ss.mu.Lock()
	defer l.ss.mu.Unlock()

	if l.done {
		return
	}
	l.done = true
	l.ss.leased = false
}
