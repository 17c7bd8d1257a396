package harness

import (
	"context"
	"encoding/json"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/repo"
)

// entityOps drives one repository with JSON fields, so scenarios can work
// with every entity type the same way.
type entityOps interface {
	create(ctx context.Context, fields []byte) (string, error)
	update(ctx context.Context, localID string, fields []byte) error
	delete(ctx context.Context, localID string) error
	meta(ctx context.Context, localID string) (*entity.Meta, error)
}

type kindOps[T any] struct {
	r    *repo.Repository[T]
	kind *entity.Kind[T]
}

func (o kindOps[T]) create(ctx context.Context, fields []byte) (string, error) {
	var v T
	if err := json.Unmarshal(fields, &v); err != nil {
		return "", err
	}
	out, err := o.r.Create(ctx, v)
	if err != nil {
		return "", err
	}
	return o.kind.Meta(out).LocalID, nil
}

// update merges fields into the stored entity.
func (o kindOps[T]) update(ctx context.Context, localID string, fields []byte) error {
	_, err := o.r.Update(ctx, localID, func(v *T) error {
		return json.Unmarshal(fields, v)
	})
	return err
}

func (o kindOps[T]) delete(ctx context.Context, localID string) error {
	return o.r.Delete(ctx, localID)
}

func (o kindOps[T]) meta(ctx context.Context, localID string) (*entity.Meta, error) {
	v, err := o.r.FindByLocalID(ctx, localID)
	if err != nil {
		return nil, err
	}
	return o.kind.Meta(v), nil
}

func newEntityOps(set *repo.Set) map[string]entityOps {
	return map[string]entityOps{
		entity.TypeCategory:            kindOps[entity.Category]{set.Categories, entity.CategoryKind},
		entity.TypeProduct:             kindOps[entity.Product]{set.Products, entity.ProductKind},
		entity.TypeCustomer:            kindOps[entity.Customer]{set.Customers, entity.CustomerKind},
		entity.TypeOrder:               kindOps[entity.Order]{set.Orders, entity.OrderKind},
		entity.TypeOrderItem:           kindOps[entity.OrderItem]{set.OrderItems, entity.OrderItemKind},
		entity.TypePayment:             kindOps[entity.Payment]{set.Payments, entity.PaymentKind},
		entity.TypeInventoryAdjustment: kindOps[entity.InventoryAdjustment]{set.InventoryAdjustments, entity.InventoryAdjustmentKind},
		entity.TypeLedgerEntry:         kindOps[entity.LedgerEntry]{set.LedgerEntries, entity.LedgerEntryKind},
		entity.TypeAdminUser:           kindOps[entity.AdminUser]{set.AdminUsers, entity.AdminUserKind},
	}
}
