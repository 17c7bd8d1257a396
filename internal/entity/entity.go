// Package entity defines the locally persisted domain entities and the
// metadata every one of them carries for synchronization.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle tag of an entity row.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
	StatusDead    SyncStatus = "dead"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Action is the kind of mutation a queue entry carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Meta is the sync metadata shared by every entity. It is stored in columns
// of the entity's table and never serialized into payloads.
type Meta struct {
	// LocalID is generated on this device, immutable and never reused.
	LocalID string

	// ID is assigned by the remote once it accepts the entity.
	ID *int64

	SyncStatus      SyncStatus
	ServerUpdatedAt string

	// Revision counts local edits. It is part of every payload so that
	// editing a field back to an earlier value is still a new mutation.
	Revision int64

	CreatedAt time.Time
	UpdatedAt time.Time

	// DeletedAt marks a tombstone awaiting its delete to sync.
	DeletedAt *time.Time
}

// Synced reports whether the remote has assigned a server id.
func (m *Meta) Synced() bool {
	return m.ID != nil
}

// Deleted reports whether the row is a tombstone.
func (m *Meta) Deleted() bool {
	return m.DeletedAt != nil
}

// IDGenerator generates local ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 local ids.
//
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
