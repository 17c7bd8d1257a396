package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// Applied is what ApplyRemoteTx did with a record.
type Applied int

const (
	Unchanged Applied = iota
	Inserted
	Updated
	Deleted

	// Conflict means the local row has unsynced changes and was kept.
	Conflict

	// Orphan means a required parent is not known locally.
	Orphan
)

var appliedNames = [...]string{"unchanged", "inserted", "updated", "deleted", "conflict", "orphan"}

func (a Applied) String() string {
	if int(a) < len(appliedNames) {
		return appliedNames[a]
	}
	return fmt.Sprintf("applied(%d)", int(a))
}

// ApplyRemoteTx stores one pulled record inside the caller's transaction.
//
// The local row is matched by server id, then by local id. A row with any
// unsynced queue entry wins over the remote and is left untouched. Parent
// references arrive as server ids and are mapped to local ids; a record
// whose required parent is unknown is skipped.
func (r *Repository[T]) ApplyRemoteTx(ctx context.Context, tx *sql.Tx, rec remote.Record) (Applied, error) {
	local, err := r.matchRemoteTx(ctx, tx, rec)
	if err != nil {
		return Unchanged, err
	}
	if local != nil {
		busy, err := queue.HasUnsyncedTx(ctx, tx, r.kind.Type, r.kind.Meta(local).LocalID)
		if err != nil {
			return Unchanged, err
		}
		if busy {
			return Conflict, nil
		}
	}

	if rec.Deleted {
		if local == nil {
			return Unchanged, nil
		}
		return r.removeRemoteTx(ctx, tx, r.kind.Meta(local).LocalID)
	}

	if local != nil {
		lm := r.kind.Meta(local)
		if rec.UpdatedAt != "" && lm.ServerUpdatedAt == rec.UpdatedAt && lm.DeletedAt == nil {
			return Unchanged, nil
		}
	}

	var v T
	if err := json.Unmarshal(rec.Raw, &v); err != nil {
		return Unchanged, fmt.Errorf("decode %s %d: %w", r.kind.Type, rec.ID, err)
	}
	ok, err := r.resolveRemoteRefsTx(ctx, tx, &v, rec)
	if err != nil {
		return Unchanged, err
	}
	if !ok {
		return Orphan, nil
	}

	id := rec.ID
	now := r.q.Now()
	m := r.kind.Meta(&v)

	if local != nil {
		*m = *r.kind.Meta(local)
		m.ID = &id
		m.SyncStatus = entity.StatusSynced
		m.ServerUpdatedAt = rec.UpdatedAt
		m.UpdatedAt = now
		m.DeletedAt = nil
		return Updated, r.writeTx(ctx, tx, &v)
	}

	localID := rec.LocalID
	if localID != "" {
		taken, err := existsTx(ctx, tx, r.kind.Descriptor, localID)
		if err != nil {
			return Unchanged, err
		}
		if taken {
			localID = ""
		}
	}
	if localID == "" {
		localID = r.ids.Generate()
	}
	*m = entity.Meta{
		LocalID:         localID,
		ID:              &id,
		SyncStatus:      entity.StatusSynced,
		ServerUpdatedAt: rec.UpdatedAt,
		Revision:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return Inserted, r.insertTx(ctx, tx, &v)
}

func (r *Repository[T]) matchRemoteTx(ctx context.Context, tx store.DBTX, rec remote.Record) (*T, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+r.kind.SelectColumns()+` FROM `+r.kind.Table+` WHERE id = ?`, rec.ID)
	v, err := r.scan(row)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return v, err
	}
	if rec.LocalID == "" {
		return nil, nil
	}

	row = tx.QueryRowContext(ctx,
		`SELECT `+r.kind.SelectColumns()+` FROM `+r.kind.Table+` WHERE local_id = ? AND id IS NULL`, rec.LocalID)
	v, err = r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// resolveRemoteRefsTx rewrites v's parent columns from the record's server
// ids. It reports false if a required parent is missing.
func (r *Repository[T]) resolveRemoteRefsTx(ctx context.Context, tx store.DBTX, v *T, rec remote.Record) (bool, error) {
	for _, ref := range r.kind.Refs {
		pd, _ := entity.Lookup(ref.Type)
		sid, err := rec.Int(ref.ServerField)
		if err != nil {
			return false, err
		}

		var parent string
		if sid != nil {
			if parent, err = LocalIDByServerIDTx(ctx, tx, pd, *sid); err != nil {
				return false, err
			}
		} else if cand := r.kind.RefValue(v, ref); cand != "" {
			found, err := existsTx(ctx, tx, pd, cand)
			if err != nil {
				return false, err
			}
			if found {
				parent = cand
			}
		}

		if parent == "" && ref.Required {
			return false, nil
		}
		r.setColumn(v, ref.Column, parent)
		if ref.ServerColumn != "" {
			r.setColumn(v, ref.ServerColumn, sid)
		}
	}
	return true, nil
}

// setColumn assigns a reference column through the kind's scan targets.
func (r *Repository[T]) setColumn(v *T, column string, val any) {
	i := slices.Index(r.kind.Columns, column)
	if i < 0 {
		return
	}
	switch dst := r.kind.Targets(v)[i].(type) {
	case *string:
		*dst, _ = val.(string)
	case **string:
		if s, _ := val.(string); s != "" {
			*dst = &s
		} else {
			*dst = nil
		}
	case **int64:
		n, _ := val.(*int64)
		*dst = n
	}
}

// removeRemoteTx deletes a row the remote deleted. Children that restrict,
// or cascaded children with unsynced changes, keep it alive for now.
func (r *Repository[T]) removeRemoteTx(ctx context.Context, tx store.DBTX, localID string) (Applied, error) {
	for _, c := range entity.Children(r.kind.Type) {
		switch c.Ref.OnDelete {
		case entity.Restrict:
			n, err := countChildrenTx(ctx, tx, c, localID)
			if err != nil {
				return Unchanged, err
			}
			if n > 0 {
				return Conflict, nil
			}
		case entity.Cascade:
			kids, err := childIDsTx(ctx, tx, c, localID)
			if err != nil {
				return Unchanged, err
			}
			for _, kid := range kids {
				busy, err := queue.HasUnsyncedTx(ctx, tx, c.Child.Type, kid)
				if err != nil {
					return Unchanged, err
				}
				if busy {
					return Conflict, nil
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+r.kind.Table+` WHERE local_id = ?`, localID); err != nil {
		return Unchanged, fmt.Errorf("delete %s %s: %w", r.kind.Type, localID, err)
	}
	return Deleted, nil
}
