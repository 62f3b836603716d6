package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/internal/domain/product"
	"github.com/xenking/pos-engine/internal/domain/stock"
	"github.com/xenking/pos-engine/internal/storage/memory"
)

var (
	manager = authz.Principal{ActorID: "manager-1", Role: authz.RoleManager}
	cashier = authz.Principal{ActorID: "cashier-1", Role: authz.RoleCashier}
)

func setup(t *testing.T) (*memory.Store, *Service, string) {
	t.Helper()
	store := memory.New()
	id, err := store.UpsertProduct(context.Background(), product.Product{
		Barcode:       "111",
		Name:          "Soap",
		Price:         120,
		StockQuantity: 12,
		ReorderLevel:  10,
		Active:        true,
	})
	require.NoError(t, err)
	_, err = store.UpsertProduct(context.Background(), product.Product{
		Barcode:       "222",
		Name:          "Rice",
		Price:         900,
		StockQuantity: 100,
		Active:        true,
	})
	require.NoError(t, err)
	return store, NewService(store, store, store, authz.NewPolicyAuthorizer(authz.DefaultPolicy())), id
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name    string
		actor   authz.Principal
		req     AdjustRequest
		wantErr error
		after   int
	}{
		{
			name:  "shrinkage",
			actor: manager,
			req:   AdjustRequest{Change: -3, Notes: "damaged"},
			after: 9,
		},
		{
			name:  "restock",
			actor: manager,
			req:   AdjustRequest{Change: 24, Type: stock.ChangeRestock},
			after: 36,
		},
		{
			name:    "cashier",
			actor:   cashier,
			req:     AdjustRequest{Change: 1},
			wantErr: authz.ErrUnauthorized,
			after:   12,
		},
		{
			name:    "zero change",
			actor:   manager,
			req:     AdjustRequest{},
			wantErr: ErrInvalidAdjustment,
			after:   12,
		},
		{
			name:    "sale type",
			actor:   manager,
			req:     AdjustRequest{Change: -1, Type: stock.ChangeSale},
			wantErr: ErrInvalidAdjustment,
			after:   12,
		},
		{
			name:    "negative restock",
			actor:   manager,
			req:     AdjustRequest{Change: -1, Type: stock.ChangeRestock},
			wantErr: ErrInvalidAdjustment,
			after:   12,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, svc, id := setup(t)
			ctx := context.Background()
			tt.req.ProductID = id

			_, err := svc.Adjust(ctx, tt.actor, tt.req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			lvl, err := store.Level(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.after, lvl.Quantity)

			logs, err := store.Logs(ctx, audit.Filter{Action: audit.ActionAdjustStock})
			require.NoError(t, err)
			if tt.wantErr != nil {
				assert.Empty(t, logs)
			} else {
				assert.Len(t, logs, 1)
			}
		})
	}
}

func TestAdjust_BelowZero(t *testing.T) {
	store, svc, id := setup(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, manager, AdjustRequest{ProductID: id, Change: -13})
	var isErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 12, isErr.Available)

	logs, err := store.Logs(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = svc.Adjust(ctx, manager, AdjustRequest{ProductID: "missing", Change: 1})
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestHistoryAndLowStock(t *testing.T) {
	_, svc, id := setup(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, manager, AdjustRequest{ProductID: id, Change: -1})
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, manager, AdjustRequest{ProductID: id, Change: -1})
	require.NoError(t, err)

	entries, err := svc.History(ctx, manager, stock.Filter{ProductID: id})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 10, entries[0].After)
	assert.Equal(t, stock.RefManual, entries[0].ReferenceType)

	low, err := svc.LowStock(ctx, manager)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "Soap", low[0].Name)

	_, err = svc.LowStock(ctx, cashier)
	require.ErrorIs(t, err, authz.ErrUnauthorized)
}
