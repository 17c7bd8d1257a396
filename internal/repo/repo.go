// Package repo is the entity store: typed create/update/delete/find over the
// entity tables. Every mutation writes the row and its sync_queue entry in
// one transaction, so a change is either fully recorded for delivery or not
// recorded at all.
package repo

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/store"
)

// Repository stores entities of one kind.
type Repository[T any] struct {
	db   *store.DB
	q    *queue.Queue
	kind *entity.Kind[T]
	ids  entity.IDGenerator
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	ids entity.IDGenerator
}

// WithIDGenerator sets the local id source. Defaults to UUIDv7.
func WithIDGenerator(g entity.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// New creates a Repository for kind. Timestamps come from the queue's clock
// so entity rows and queue entries agree on time.
func New[T any](db *store.DB, q *queue.Queue, kind *entity.Kind[T], opts ...Option) *Repository[T] {
	o := options{ids: entity.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[T]{db: db, q: q, kind: kind, ids: o.ids}
}

// Descriptor returns the kind's descriptor.
func (r *Repository[T]) Descriptor() entity.Descriptor {
	return r.kind.Descriptor
}

// Create validates fields, stores them as a new pending entity and enqueues
// its create. Metadata in fields is ignored.
//
// If a parent reference points at a parent the remote does not know yet,
// the create depends on the parent's create entry.
func (r *Repository[T]) Create(ctx context.Context, fields T) (*T, error) {
	v := fields
	if err := entity.Validate(r.kind.Type, &v); err != nil {
		return nil, err
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		dependsOn, err := r.parentDependencyTx(ctx, tx, &v)
		if err != nil {
			return err
		}

		now := r.q.Now()
		m := r.kind.Meta(&v)
		*m = entity.Meta{
			LocalID:    r.ids.Generate(),
			SyncStatus: entity.StatusPending,
			Revision:   1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := r.insertTx(ctx, tx, &v); err != nil {
			return err
		}

		payload, err := entity.EncodePayload(entity.Payload[T]{LocalID: m.LocalID, Revision: m.Revision, Fields: &v})
		if err != nil {
			return err
		}
		_, _, err = r.q.EnqueueTx(ctx, tx, queue.Request{
			EntityType:    r.kind.Type,
			EntityLocalID: m.LocalID,
			Action:        entity.ActionCreate,
			Endpoint:      r.kind.Endpoint,
			Method:        "POST",
			Payload:       payload,
			DependsOn:     dependsOn,
		})
		if err != nil {
			return err
		}
		return queue.SettleTx(ctx, tx, r.kind.Type, m.LocalID)
	})
	if err != nil {
		return nil, err
	}
	return r.FindByLocalID(ctx, r.kind.Meta(&v).LocalID)
}

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	markSynced bool
}

// MarkSynced writes the patched row as synced without bumping its revision
// or enqueueing anything. It is how remote state is stored locally.
func MarkSynced() UpdateOption {
	return func(o *updateOptions) { o.markSynced = true }
}

// Update loads the entity, applies patch, validates the result and enqueues
// an update. A patch that changes nothing enqueues nothing. Changes to
// metadata made by patch are discarded.
//
// The update depends on the entity's newest unsynced entry, so an entity's
// mutations reach the remote in the order they were made.
func (r *Repository[T]) Update(ctx context.Context, localID string, patch func(*T) error, opts ...UpdateOption) (*T, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.getTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		m := *r.kind.Meta(cur)
		if m.Deleted() {
			return apperr.Validation("%s %s is deleted", r.kind.Type, localID)
		}

		before, err := entity.EncodePayload(entity.Payload[T]{LocalID: localID, Fields: cur})
		if err != nil {
			return err
		}
		next := *cur
		if err := patch(&next); err != nil {
			return err
		}
		*r.kind.Meta(&next) = m
		after, err := entity.EncodePayload(entity.Payload[T]{LocalID: localID, Fields: &next})
		if err != nil {
			return err
		}
		if bytes.Equal(before, after) {
			return nil
		}
		if err := entity.Validate(r.kind.Type, &next); err != nil {
			return err
		}

		nm := r.kind.Meta(&next)
		nm.UpdatedAt = r.q.Now()
		if o.markSynced {
			nm.SyncStatus = entity.StatusSynced
			return r.writeTx(ctx, tx, &next)
		}
		nm.Revision++
		if err := r.writeTx(ctx, tx, &next); err != nil {
			return err
		}

		dependsOn, err := queue.LatestLiveKeyTx(ctx, tx, r.kind.Type, localID)
		if err != nil {
			return err
		}
		if dependsOn == "" {
			if dependsOn, err = r.parentDependencyTx(ctx, tx, &next); err != nil {
				return err
			}
		}

		payload, err := entity.EncodePayload(entity.Payload[T]{LocalID: localID, Revision: nm.Revision, Fields: &next})
		if err != nil {
			return err
		}
		_, _, err = r.q.EnqueueTx(ctx, tx, queue.Request{
			EntityType:    r.kind.Type,
			EntityLocalID: localID,
			Action:        entity.ActionUpdate,
			Endpoint:      r.kind.Endpoint + "/" + queue.IDPlaceholder,
			Method:        "PUT",
			Payload:       payload,
			DependsOn:     dependsOn,
		})
		if err != nil {
			return err
		}
		return queue.SettleTx(ctx, tx, r.kind.Type, localID)
	})
	if err != nil {
		return nil, err
	}
	return r.FindByLocalID(ctx, localID)
}

// Delete removes an entity.
//
// An entity the remote has never seen, with nothing in flight, is deleted
// outright together with its queue entries. Otherwise it becomes a tombstone
// and a delete is enqueued; the row is purged once the delete syncs. Deleting
// a tombstone is a no-op. Children that cascade are deleted first; children
// that restrict make the delete fail.
func (r *Repository[T]) Delete(ctx context.Context, localID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return deleteTx(ctx, tx, r.q, r.kind.Descriptor, localID)
	})
}

// FindByLocalID returns the entity, including tombstones.
func (r *Repository[T]) FindByLocalID(ctx context.Context, localID string) (*T, error) {
	return r.getTx(ctx, r.db.SQL(), localID)
}

// FindByServerID returns the entity the remote knows as id.
func (r *Repository[T]) FindByServerID(ctx context.Context, id int64) (*T, error) {
	row := r.db.SQL().QueryRowContext(ctx,
		`SELECT `+r.kind.SelectColumns()+` FROM `+r.kind.Table+` WHERE id = ?`, id)
	v, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(r.kind.Type, fmt.Sprint(id))
	}
	return v, err
}

// Filter selects entities for List.
type Filter struct {
	Status         entity.SyncStatus
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// List returns entities ordered by creation time.
func (r *Repository[T]) List(ctx context.Context, f Filter) ([]*T, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Status != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + r.kind.SelectColumns() + ` FROM ` + r.kind.Table
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, local_id ASC`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}

	rows, err := r.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind.Type, err)
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		v, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind.Type, err)
	}
	return out, nil
}

// Counts summarizes a table by sync status.
type Counts struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
	Deleted int `json:"deleted"`
}

// Count returns per-status row counts. Tombstones count under Deleted as
// well as under their status.
func (r *Repository[T]) Count(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.db.SQL().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(sync_status = 'synced'), 0),
			COALESCE(SUM(sync_status = 'pending'), 0),
			COALESCE(SUM(sync_status = 'failed'), 0),
			COALESCE(SUM(sync_status = 'dead'), 0),
			COALESCE(SUM(deleted_at IS NOT NULL), 0)
		FROM `+r.kind.Table).Scan(&c.Total, &c.Synced, &c.Pending, &c.Failed, &c.Dead, &c.Deleted)
	if err != nil {
		return c, fmt.Errorf("count %s: %w", r.kind.Type, err)
	}
	return c, nil
}

// parentDependencyTx validates v's parent references and returns the create
// key of the first parent without a server id, or "".
func (r *Repository[T]) parentDependencyTx(ctx context.Context, tx store.DBTX, v *T) (string, error) {
	var key string
	for _, ref := range r.kind.Refs {
		parent := r.kind.RefValue(v, ref)
		if parent == "" {
			if ref.Required {
				return "", apperr.Validation("%s.%s is required", r.kind.Type, ref.Column)
			}
			continue
		}

		pd, _ := entity.Lookup(ref.Type)
		var (
			id      sql.NullInt64
			deleted sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, deleted_at FROM `+pd.Table+` WHERE local_id = ?`, parent).Scan(&id, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.Validation("%s.%s: %s %s does not exist", r.kind.Type, ref.Column, ref.Type, parent)
		}
		if err != nil {
			return "", fmt.Errorf("load %s %s: %w", ref.Type, parent, err)
		}
		if deleted.Valid {
			return "", apperr.Validation("%s.%s: %s %s is deleted", r.kind.Type, ref.Column, ref.Type, parent)
		}
		if id.Valid || key != "" {
			continue
		}

		key, err = queue.CreateKeyTx(ctx, tx, ref.Type, parent)
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", apperr.Validation("%s %s has neither a server id nor a pending create", ref.Type, parent)
		}
	}
	return key, nil
}
