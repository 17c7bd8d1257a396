package entity

import (
	"fmt"
	"slices"
	"strings"
)

// OnDelete is the local consequence of deleting a referenced parent.
type OnDelete int

const (
	// SetNull clears the reference.
	SetNull OnDelete = iota
	// Cascade deletes the child with the parent.
	Cascade
	// Restrict refuses to delete a parent that still has children.
	Restrict
)

// Ref describes a reference from one entity to a parent entity.
type Ref struct {
	// Type is the parent's entity type.
	Type string

	// Column holds the parent's local id, e.g. "order_local_id".
	Column string

	// ServerField carries the parent's server id on the wire, e.g. "order_id".
	ServerField string

	// ServerColumn, when set, stores the parent's server id locally as well.
	// It is filled in when the parent's create syncs.
	ServerColumn string

	Required bool
	OnDelete OnDelete
}

// Descriptor is the type-independent description of an entity kind used by
// the queue and the sync engine.
type Descriptor struct {
	Type     string
	Table    string
	Endpoint string

	// Refs are parent references in dependency priority order: the first
	// unsynced parent becomes the create entry's depends_on.
	Refs []Ref
}

// ItemEndpoint is the endpoint for a single server-side record.
func (d Descriptor) ItemEndpoint(serverID int64) string {
	return fmt.Sprintf("%s/%d", d.Endpoint, serverID)
}

// Kind binds a Descriptor to a Go type and its column mapping.
type Kind[T any] struct {
	Descriptor

	// Columns are the domain columns in table order, excluding metadata.
	Columns []string

	// Values returns the domain column values of v in Columns order.
	Values func(v *T) []any

	// Targets returns scan destinations for Columns.
	Targets func(v *T) []any

	// Meta returns v's sync metadata.
	Meta func(v *T) *Meta
}

// MetaColumns are the sync metadata columns shared by every entity table.
var MetaColumns = []string{
	"local_id", "id", "sync_status", "server_updated_at", "revision",
	"created_at", "updated_at", "deleted_at",
}

// SelectColumns returns metadata columns followed by domain columns.
func (k *Kind[T]) SelectColumns() string {
	return strings.Join(append(slices.Clone(MetaColumns), k.Columns...), ", ")
}

// RefValue returns the parent local id held by v for ref, or "" if unset.
func (k *Kind[T]) RefValue(v *T, ref Ref) string {
	i := slices.Index(k.Columns, ref.Column)
	if i < 0 {
		return ""
	}
	switch val := k.Values(v)[i].(type) {
	case string:
		return val
	case *string:
		if val != nil {
			return *val
		}
	}
	return ""
}

var registry = map[string]Descriptor{}

// register records a kind's descriptor. Called from package-level vars.
func register[T any](k *Kind[T]) *Kind[T] {
	if _, dup := registry[k.Type]; dup {
		panic(fmt.Sprintf("entity: duplicate kind %q", k.Type))
	}
	registry[k.Type] = k.Descriptor
	return k
}

// Lookup returns the descriptor for an entity type.
func Lookup(entityType string) (Descriptor, bool) {
	d, ok := registry[entityType]
	return d, ok
}

// Children returns the descriptors of kinds that reference parentType,
// paired with the referencing Ref.
func Children(parentType string) []ChildRef {
	var out []ChildRef
	for _, t := range PullOrder {
		d := registry[t]
		for _, ref := range d.Refs {
			if ref.Type == parentType {
				out = append(out, ChildRef{Child: d, Ref: ref})
			}
		}
	}
	return out
}

// ChildRef pairs a child descriptor with its reference to a parent.
type ChildRef struct {
	Child Descriptor
	Ref   Ref
}

// PullOrder lists entity types parents-first, so references in pulled
// records resolve against rows applied earlier in the same pull.
var PullOrder = []string{
	TypeCategory,
	TypeCustomer,
	TypeAdminUser,
	TypeProduct,
	TypeOrder,
	TypeOrderItem,
	TypePayment,
	TypeInventoryAdjustment,
	TypeLedgerEntry,
}
