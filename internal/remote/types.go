// Package remote talks to the back-office server: it delivers queued
// mutations, pages through remote changes and listens for change
// notifications.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/tillsync/internal/entity"
)

// Request is one queued mutation on the wire.
type Request struct {
	IdempotencyKey string
	EntityType     string
	EntityLocalID  string
	Action         entity.Action
	Method         string

	// Endpoint is relative to the server base URL, with {id} already
	// resolved.
	Endpoint string

	// Body is the JSON request body. Empty for deletes.
	Body []byte
}

// Response is the server's acknowledgement of a mutation.
type Response struct {
	ServerID  *int64 `json:"id,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Page is one page of remote changes for an entity type.
type Page struct {
	Records         []Record `json:"records"`
	ServerTimestamp string   `json:"server_timestamp"`
	HasMore         bool     `json:"has_more"`
}

// Record is a single remote row. The header fields are decoded eagerly; the
// domain fields stay in Raw and are decoded by the entity's repository.
type Record struct {
	ID        int64
	LocalID   string
	UpdatedAt string
	Deleted   bool

	Raw json.RawMessage
}

type recordHeader struct {
	ID        *int64  `json:"id"`
	LocalID   string  `json:"local_id"`
	UpdatedAt string  `json:"updated_at"`
	Deleted   bool    `json:"deleted"`
	DeletedAt *string `json:"deleted_at"`
}

// UnmarshalJSON decodes the header and keeps the full object in Raw.
func (r *Record) UnmarshalJSON(data []byte) error {
	var h recordHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if h.ID == nil {
		return errors.New("decode record: missing id")
	}
	*r = Record{
		ID:        *h.ID,
		LocalID:   h.LocalID,
		UpdatedAt: h.UpdatedAt,
		Deleted:   h.Deleted || h.DeletedAt != nil,
		Raw:       append(json.RawMessage(nil), data...),
	}
	return nil
}

// MarshalJSON returns Raw, or the header alone if Raw is empty.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(recordHeader{ID: &r.ID, LocalID: r.LocalID, UpdatedAt: r.UpdatedAt, Deleted: r.Deleted})
}

// Int returns the integer field name of the record, or nil if it is absent
// or null.
func (r Record) Int(name string) (*int64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &fields); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", r.ID, err)
	}
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("record %d field %s: %w", r.ID, name, err)
	}
	return &n, nil
}

// NewRecord builds a Record from a server id and domain fields.
func NewRecord(id int64, localID, updatedAt string, fields map[string]any) (Record, error) {
	obj := maps.Clone(fields)
	if obj == nil {
		obj = map[string]any{}
	}
	obj["id"] = id
	if localID != "" {
		obj["local_id"] = localID
	}
	if updatedAt != "" {
		obj["updated_at"] = updatedAt
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	return Record{ID: id, LocalID: localID, UpdatedAt: updatedAt, Raw: raw}, nil
}

// Tombstone builds a Record announcing a remote delete.
func Tombstone(id int64, updatedAt string) Record {
	r, _ := NewRecord(id, "", updatedAt, map[string]any{"deleted": true})
	r.Deleted = true
	return r
}
