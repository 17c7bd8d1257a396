package entity

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/canonical"
)

// Payload is the typed body of a queue entry. Create and update carry the
// entity's domain fields; delete carries only identity and revision.
type Payload[T any] struct {
	LocalID  string `json:"local_id"`
	Revision int64  `json:"revision"`
	Fields   *T     `json:"fields,omitempty"`
}

// EncodePayload returns the canonical JSON form stored in sync_queue.payload.
func EncodePayload[T any](p Payload[T]) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	c, err := canonical.FromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return c, nil
}

// DecodePayload parses a stored payload back into its typed form.
func DecodePayload[T any](data []byte) (Payload[T], error) {
	var p Payload[T]
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// ResolveFunc looks up a parent row by local id. It returns the parent's
// server id (nil until the parent syncs) and whether the row exists.
type ResolveFunc func(ref Ref, parentLocalID string) (id *int64, found bool, err error)

// UnresolvedRefError reports a parent whose server id is not yet known.
type UnresolvedRefError struct {
	Ref           Ref
	ParentLocalID string
}

func (e *UnresolvedRefError) Error() string {
	return fmt.Sprintf("%s %s has no server id yet", e.Ref.Type, e.ParentLocalID)
}

// MissingParentError reports a required parent row that no longer exists.
type MissingParentError struct {
	Ref           Ref
	ParentLocalID string
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("required %s %s does not exist", e.Ref.Type, e.ParentLocalID)
}

// RequestBody builds the JSON sent to the remote for a stored payload: the
// domain fields plus local_id, revision and the server ids of every parent
// reference. Parent local ids stay in the body so the remote can echo them.
func RequestBody(d Descriptor, payload []byte, resolve ResolveFunc) ([]byte, error) {
	v, err := canonical.Decode(payload)
	if err != nil {
		return nil, err
	}
	env, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is not an object")
	}

	body := map[string]any{}
	if fields, ok := env["fields"].(map[string]any); ok {
		for k, val := range fields {
			body[k] = val
		}
	}
	body["local_id"] = env["local_id"]
	body["revision"] = env["revision"]

	for _, ref := range d.Refs {
		parent, _ := body[ref.Column].(string)
		if parent == "" {
			continue
		}
		id, found, err := resolve(ref, parent)
		if err != nil {
			return nil, err
		}
		switch {
		case !found && !ref.Required:
			// Optional parent deleted locally before it ever synced.
			delete(body, ref.Column)
		case !found:
			return nil, &MissingParentError{Ref: ref, ParentLocalID: parent}
		case id == nil:
			return nil, &UnresolvedRefError{Ref: ref, ParentLocalID: parent}
		default:
			body[ref.ServerField] = *id
		}
	}

	return canonical.Marshal(body)
}
