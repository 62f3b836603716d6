// Package inventory exposes manual stock corrections and stock reporting.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/sale"
	"github.com/xenking/pos-engine/internal/domain/stock"
)

// ErrInvalidAdjustment is returned for a zero change or a change type that
// cannot be applied manually.
var ErrInvalidAdjustment = errors.New("invalid stock adjustment")

// UnitOfWork runs fn atomically.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx sale.Tx) error) error
}

// AdjustRequest is a manual stock correction. Type defaults to adjustment.
type AdjustRequest struct {
	ProductID string
	Change    int
	Type      stock.ChangeType
	Notes     string
}

// Service adjusts and reports stock.
type Service struct {
	uow      UnitOfWork
	history  stock.History
	products product.Repository
	authz    authz.Authorizer
}

// NewService creates an inventory Service.
func NewService(uow UnitOfWork, history stock.History, products product.Repository, authorizer authz.Authorizer) *Service {
	return &Service{uow: uow, history: history, products: products, authz: authorizer}
}

func (s *Service) require(actor authz.Principal, c authz.Capability) error {
	if d := s.authz.Authorize(actor, c); !d.Allowed {
		return errors.Wrap(authz.ErrUnauthorized, d.Reason)
	}
	return nil
}

// Adjust applies a manual correction and audits it in the same unit of work.
func (s *Service) Adjust(ctx context.Context, actor authz.Principal, req AdjustRequest) (*stock.Entry, error) {
	if err := s.require(actor, authz.CapInventory); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = stock.ChangeAdjustment
	}
	switch {
	case req.Change == 0:
		return nil, errors.Wrap(ErrInvalidAdjustment, "change must be non-zero")
	case req.Type != stock.ChangeAdjustment && req.Type != stock.ChangeRestock:
		return nil, errors.Wrapf(ErrInvalidAdjustment, "type %q", req.Type)
	case req.Type == stock.ChangeRestock && req.Change < 0:
		return nil, errors.Wrap(ErrInvalidAdjustment, "restock must add units")
	}

	var out stock.Entry
	err := s.uow.InTx(ctx, func(ctx context.Context, tx sale.Tx) error {
		e, err := tx.Ledger().Adjust(ctx, stock.Adjustment{
			ProductID:     req.ProductID,
			Change:        req.Change,
			Type:          req.Type,
			ReferenceType: stock.RefManual,
			ActorID:       actor.ActorID,
			Notes:         req.Notes,
		})
		if err != nil {
			return err
		}
		if err := tx.Audit().Append(ctx, &audit.Entry{
			ActorID:      actor.ActorID,
			Action:       audit.ActionAdjustStock,
			ResourceType: audit.ResourceProduct,
			ResourceID:   req.ProductID,
			Outcome:      audit.OutcomeSuccess,
			Details: map[string]string{
				"type":   string(req.Type),
				"before": fmt.Sprint(e.Before),
				"after":  fmt.Sprint(e.After),
				"notes":  req.Notes,
			},
			RemoteAddr: audit.RemoteAddr(ctx),
		}); err != nil {
			return errors.Wrap(err, "audit adjustment")
		}
		out = e
		return nil
	})
	if err != nil {
		if errors.Is(err, stock.ErrProductNotFound) {
			return nil, errors.Wrapf(product.ErrNotFound, "product %s", req.ProductID)
		}
		return nil, err
	}

	zctx.From(ctx).Info("Stock adjusted",
		zap.String("product", out.ProductID),
		zap.Int("before", out.Before),
		zap.Int("after", out.After),
		zap.String("actor", actor.ActorID),
	)
	return &out, nil
}

// History lists stock movements, newest first.
func (s *Service) History(ctx context.Context, actor authz.Principal, f stock.Filter) ([]stock.Entry, error) {
	if err := s.require(actor, authz.CapInventory); err != nil {
		return nil, err
	}
	f.Limit = sale.EffectiveLimit(f.Limit)
	return s.history.Entries(ctx, f)
}

// LowStock lists active products at or below their reorder level.
func (s *Service) LowStock(ctx context.Context, actor authz.Principal) ([]product.Product, error) {
	if err := s.require(actor, authz.CapInventory); err != nil {
		return nil, err
	}
	return s.products.List(ctx, product.Filter{ActiveOnly: true, LowStock: true})
}
