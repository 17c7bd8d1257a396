package repo

import (
	"context"
	"database/sql"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// Store is the type-erased view of a Repository used by the sync engine
// and the CLI.
type Store interface {
	Descriptor() entity.Descriptor
	ApplyRemoteTx(ctx context.Context, tx *sql.Tx, rec remote.Record) (Applied, error)
	Count(ctx context.Context) (Counts, error)
	Delete(ctx context.Context, localID string) error
}

func Categories(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.Category] {
	return New(db, q, entity.CategoryKind, opts...)
}

func Products(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.Product] {
	return New(db, q, entity.ProductKind, opts...)
}

func Customers(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.Customer] {
	return New(db, q, entity.CustomerKind, opts...)
}

func Orders(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.Order] {
	return New(db, q, entity.OrderKind, opts...)
}

func OrderItems(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.OrderItem] {
	return New(db, q, entity.OrderItemKind, opts...)
}

func Payments(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.Payment] {
	return New(db, q, entity.PaymentKind, opts...)
}

func InventoryAdjustments(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.InventoryAdjustment] {
	return New(db, q, entity.InventoryAdjustmentKind, opts...)
}

func LedgerEntries(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.LedgerEntry] {
	return New(db, q, entity.LedgerEntryKind, opts...)
}

func AdminUsers(db *store.DB, q *queue.Queue, opts ...Option) *Repository[entity.AdminUser] {
	return New(db, q, entity.AdminUserKind, opts...)
}

// Set bundles one repository per entity type.
type Set struct {
	Categories           *Repository[entity.Category]
	Products             *Repository[entity.Product]
	Customers            *Repository[entity.Customer]
	Orders               *Repository[entity.Order]
	OrderItems           *Repository[entity.OrderItem]
	Payments             *Repository[entity.Payment]
	InventoryAdjustments *Repository[entity.InventoryAdjustment]
	LedgerEntries        *Repository[entity.LedgerEntry]
	AdminUsers           *Repository[entity.AdminUser]
}

// NewSet creates every repository over the same database and queue.
func NewSet(db *store.DB, q *queue.Queue, opts ...Option) *Set {
	return &Set{
		Categories:           Categories(db, q, opts...),
		Products:             Products(db, q, opts...),
		Customers:            Customers(db, q, opts...),
		Orders:               Orders(db, q, opts...),
		OrderItems:           OrderItems(db, q, opts...),
		Payments:             Payments(db, q, opts...),
		InventoryAdjustments: InventoryAdjustments(db, q, opts...),
		LedgerEntries:        LedgerEntries(db, q, opts...),
		AdminUsers:           AdminUsers(db, q, opts...),
	}
}

// All returns the repositories parents-first, in entity.PullOrder.
func (s *Set) All() []Store {
	byType := map[string]Store{
		entity.TypeCategory:            s.Categories,
		entity.TypeProduct:             s.Products,
		entity.TypeCustomer:            s.Customers,
		entity.TypeOrder:               s.Orders,
		entity.TypeOrderItem:           s.OrderItems,
		entity.TypePayment:             s.Payments,
		entity.TypeInventoryAdjustment: s.InventoryAdjustments,
		entity.TypeLedgerEntry:         s.LedgerEntries,
		entity.TypeAdminUser:           s.AdminUsers,
	}
	out := make([]Store, 0, len(entity.PullOrder))
	for _, t := range entity.PullOrder {
		out = append(out, byType[t])
	}
	return out
}

// ByType returns the repository for an entity type.
func (s *Set) ByType(entityType string) (Store, bool) {
	for _, st := range s.All() {
		if st.Descriptor().Type == entityType {
			return st, true
		}
	}
	return nil, false
}
