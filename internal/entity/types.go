package entity

// Entity type names, used as queue entity_type and sync_meta keys.
const (
	TypeCategory            = "category"
	TypeProduct             = "product"
	TypeCustomer            = "customer"
	TypeOrder               = "order"
	TypeOrderItem           = "order_item"
	TypePayment             = "payment"
	TypeInventoryAdjustment = "inventory_adjustment"
	TypeLedgerEntry         = "ledger_entry"
	TypeAdminUser           = "admin_user"
)

type Category struct {
	Meta     `json:"-"`
	Name     string `json:"name"`
	Position int64  `json:"position"`
}

var CategoryKind = register(&Kind[Category]{
	Descriptor: Descriptor{Type: TypeCategory, Table: "categories", Endpoint: "/categories"},
	Columns:    []string{"name", "position"},
	Values:     func(v *Category) []any { return []any{v.Name, v.Position} },
	Targets:    func(v *Category) []any { return []any{&v.Name, &v.Position} },
	Meta:       func(v *Category) *Meta { return &v.Meta },
})

type Product struct {
	Meta            `json:"-"`
	CategoryLocalID *string `json:"category_local_id,omitempty"`
	Name            string  `json:"name"`
	SKU             *string `json:"sku,omitempty"`
	PriceCents      int64   `json:"price_cents"`
	CostCents       int64   `json:"cost_cents"`
	StockQty        int64   `json:"stock_qty"`
	Active          bool    `json:"active"`
}

var ProductKind = register(&Kind[Product]{
	Descriptor: Descriptor{
		Type: TypeProduct, Table: "products", Endpoint: "/products",
		Refs: []Ref{
			{Type: TypeCategory, Column: "category_local_id", ServerField: "category_id", OnDelete: SetNull},
		},
	},
	Columns: []string{"category_local_id", "name", "sku", "price_cents", "cost_cents", "stock_qty", "active"},
	Values: func(v *Product) []any {
		return []any{v.CategoryLocalID, v.Name, v.SKU, v.PriceCents, v.CostCents, v.StockQty, v.Active}
	},
	Targets: func(v *Product) []any {
		return []any{&v.CategoryLocalID, &v.Name, &v.SKU, &v.PriceCents, &v.CostCents, &v.StockQty, &v.Active}
	},
	Meta: func(v *Product) *Meta { return &v.Meta },
})

type Customer struct {
	Meta         `json:"-"`
	Name         string  `json:"name"`
	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	BalanceCents int64   `json:"balance_cents"`
}

var CustomerKind = register(&Kind[Customer]{
	Descriptor: Descriptor{Type: TypeCustomer, Table: "customers", Endpoint: "/customers"},
	Columns:    []string{"name", "email", "phone", "balance_cents"},
	Values:     func(v *Customer) []any { return []any{v.Name, v.Email, v.Phone, v.BalanceCents} },
	Targets:    func(v *Customer) []any { return []any{&v.Name, &v.Email, &v.Phone, &v.BalanceCents} },
	Meta:       func(v *Customer) *Meta { return &v.Meta },
})

type Order struct {
	Meta            `json:"-"`
	CustomerLocalID *string `json:"customer_local_id,omitempty"`
	Number          string  `json:"number"`
	Status          string  `json:"status"`
	SubtotalCents   int64   `json:"subtotal_cents"`
	TaxCents        int64   `json:"tax_cents"`
	TotalCents      int64   `json:"total_cents"`
	PlacedAt        *string `json:"placed_at,omitempty"`
}

var OrderKind = register(&Kind[Order]{
	Descriptor: Descriptor{
		Type: TypeOrder, Table: "orders", Endpoint: "/orders",
		Refs: []Ref{
			{Type: TypeCustomer, Column: "customer_local_id", ServerField: "customer_id", OnDelete: SetNull},
		},
	},
	Columns: []string{"customer_local_id", "number", "status", "subtotal_cents", "tax_cents", "total_cents", "placed_at"},
	Values: func(v *Order) []any {
		return []any{v.CustomerLocalID, v.Number, v.Status, v.SubtotalCents, v.TaxCents, v.TotalCents, v.PlacedAt}
	},
	Targets: func(v *Order) []any {
		return []any{&v.CustomerLocalID, &v.Number, &v.Status, &v.SubtotalCents, &v.TaxCents, &v.TotalCents, &v.PlacedAt}
	},
	Meta: func(v *Order) *Meta { return &v.Meta },
})

type OrderItem struct {
	Meta           `json:"-"`
	OrderLocalID   string  `json:"order_local_id"`
	ProductLocalID *string `json:"product_local_id,omitempty"`
	Quantity       int64   `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TotalCents     int64   `json:"total_cents"`
}

var OrderItemKind = register(&Kind[OrderItem]{
	Descriptor: Descriptor{
		Type: TypeOrderItem, Table: "order_items", Endpoint: "/order-items",
		Refs: []Ref{
			{Type: TypeOrder, Column: "order_local_id", ServerField: "order_id", Required: true, OnDelete: Cascade},
			{Type: TypeProduct, Column: "product_local_id", ServerField: "product_id", OnDelete: SetNull},
		},
	},
	Columns: []string{"order_local_id", "product_local_id", "quantity", "unit_price_cents", "total_cents"},
	Values: func(v *OrderItem) []any {
		return []any{v.OrderLocalID, v.ProductLocalID, v.Quantity, v.UnitPriceCents, v.TotalCents}
	},
	Targets: func(v *OrderItem) []any {
		return []any{&v.OrderLocalID, &v.ProductLocalID, &v.Quantity, &v.UnitPriceCents, &v.TotalCents}
	},
	Meta: func(v *OrderItem) *Meta { return &v.Meta },
})

type Payment struct {
	Meta `json:"-"`

	// OrderID mirrors the parent order's server id once known. It is filled
	// locally when the order's create syncs and sent as order_id on the wire.
	OrderID *int64 `json:"-"`

	OrderLocalID string  `json:"order_local_id"`
	Method       string  `json:"method"`
	AmountCents  int64   `json:"amount_cents"`
	Reference    *string `json:"reference,omitempty"`
}

var PaymentKind = register(&Kind[Payment]{
	Descriptor: Descriptor{
		Type: TypePayment, Table: "payments", Endpoint: "/payments",
		Refs: []Ref{
			{Type: TypeOrder, Column: "order_local_id", ServerField: "order_id", ServerColumn: "order_id", Required: true, OnDelete: Restrict},
		},
	},
	Columns: []string{"order_id", "order_local_id", "method", "amount_cents", "reference"},
	Values: func(v *Payment) []any {
		return []any{v.OrderID, v.OrderLocalID, v.Method, v.AmountCents, v.Reference}
	},
	Targets: func(v *Payment) []any {
		return []any{&v.OrderID, &v.OrderLocalID, &v.Method, &v.AmountCents, &v.Reference}
	},
	Meta: func(v *Payment) *Meta { return &v.Meta },
})

type InventoryAdjustment struct {
	Meta           `json:"-"`
	ProductLocalID string `json:"product_local_id"`
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
}

var InventoryAdjustmentKind = register(&Kind[InventoryAdjustment]{
	Descriptor: Descriptor{
		Type: TypeInventoryAdjustment, Table: "inventory_adjustments", Endpoint: "/inventory-adjustments",
		Refs: []Ref{
			{Type: TypeProduct, Column: "product_local_id", ServerField: "product_id", Required: true, OnDelete: Restrict},
		},
	},
	Columns: []string{"product_local_id", "delta", "reason"},
	Values:  func(v *InventoryAdjustment) []any { return []any{v.ProductLocalID, v.Delta, v.Reason} },
	Targets: func(v *InventoryAdjustment) []any { return []any{&v.ProductLocalID, &v.Delta, &v.Reason} },
	Meta:    func(v *InventoryAdjustment) *Meta { return &v.Meta },
})

type LedgerEntry struct {
	Meta         `json:"-"`
	OrderLocalID *string `json:"order_local_id,omitempty"`
	Kind         string  `json:"kind"`
	AmountCents  int64   `json:"amount_cents"`
	Note         *string `json:"note,omitempty"`
}

var LedgerEntryKind = register(&Kind[LedgerEntry]{
	Descriptor: Descriptor{
		Type: TypeLedgerEntry, Table: "ledger_entries", Endpoint: "/ledger-entries",
		Refs: []Ref{
			{Type: TypeOrder, Column: "order_local_id", ServerField: "order_id", OnDelete: SetNull},
		},
	},
	Columns: []string{"order_local_id", "kind", "amount_cents", "note"},
	Values:  func(v *LedgerEntry) []any { return []any{v.OrderLocalID, v.Kind, v.AmountCents, v.Note} },
	Targets: func(v *LedgerEntry) []any { return []any{&v.OrderLocalID, &v.Kind, &v.AmountCents, &v.Note} },
	Meta:    func(v *LedgerEntry) *Meta { return &v.Meta },
})

type AdminUser struct {
	Meta        `json:"-"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	Role        string  `json:"role"`
	Active      bool    `json:"active"`
}

var AdminUserKind = register(&Kind[AdminUser]{
	Descriptor: Descriptor{Type: TypeAdminUser, Table: "admin_users", Endpoint: "/admin-users"},
	Columns:    []string{"username", "display_name", "role", "active"},
	Values:     func(v *AdminUser) []any { return []any{v.Username, v.DisplayName, v.Role, v.Active} },
	Targets:    func(v *AdminUser) []any { return []any{&v.Username, &v.DisplayName, &v.Role, &v.Active} },
	Meta:       func(v *AdminUser) *Meta { return &v.Meta },
})
