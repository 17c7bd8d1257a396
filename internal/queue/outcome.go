package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/store"
)

// Ack is what the remote returned for an accepted mutation.
type Ack struct {
	ServerID        *int64
	ServerUpdatedAt string
}

// MarkSuccess records that the remote accepted an entry.
//
// In the same transaction it propagates the server id to the entity (and to
// children that mirror it, e.g. payments.order_id), purges the row of a
// synced delete, and sets the entity synced once no other unsynced entry
// targets it. Marking an already synced entry is a no-op.
func (q *Queue) MarkSuccess(ctx context.Context, id int64, ack Ack) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := getByID(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("queue entry", fmt.Sprint(id))
		}
		if err != nil {
			return err
		}
		if e.Status == StatusSynced {
			return nil
		}

		now := store.FormatTime(q.clock.Now())
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'synced', server_id = COALESCE(?, server_id),
			    error_message = NULL, next_retry_at = NULL, updated_at = ?
			WHERE id = ?`,
			nullInt64(ack.ServerID), now, id)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}

		d, ok := entity.Lookup(e.EntityType)
		if !ok {
			return apperr.Validation("unknown entity type %q", e.EntityType)
		}

		if e.Action == entity.ActionDelete {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM `+d.Table+` WHERE local_id = ? AND deleted_at IS NOT NULL`, e.EntityLocalID)
			if err != nil {
				return fmt.Errorf("purge %s: %w", d.Type, err)
			}
			return nil
		}

		if ack.ServerID != nil {
			if err := assignServerID(ctx, tx, d, e.EntityLocalID, *ack.ServerID); err != nil {
				return err
			}
		}
		if ack.ServerUpdatedAt != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE `+d.Table+` SET server_updated_at = ? WHERE local_id = ?`,
				ack.ServerUpdatedAt, e.EntityLocalID)
			if err != nil {
				return fmt.Errorf("set server_updated_at: %w", err)
			}
		}
		return settleEntity(ctx, tx, d, e.EntityLocalID)
	})
}

// assignServerID sets the entity's server id and mirrors it into children.
// A row a pull inserted for the same server id before the create was
// acknowledged is an echo of this entity and is removed first, provided
// nothing local targets it.
func assignServerID(ctx context.Context, tx *sql.Tx, d entity.Descriptor, localID string, serverID int64) error {
	var echo string
	err := tx.QueryRowContext(ctx,
		`SELECT local_id FROM `+d.Table+` WHERE id = ? AND local_id != ?`, serverID, localID).Scan(&echo)
	switch {
	case err == nil:
		busy, err := HasUnsyncedTx(ctx, tx, d.Type, echo)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("server id %d of %s %s is held by %s with unsynced changes", serverID, d.Type, localID, echo)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+d.Table+` WHERE local_id = ?`, echo); err != nil {
			return fmt.Errorf("remove echo %s: %w", echo, err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("find echo: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+d.Table+` SET id = ? WHERE local_id = ?`, serverID, localID); err != nil {
		return fmt.Errorf("set server id: %w", err)
	}

	for _, c := range entity.Children(d.Type) {
		if c.Ref.ServerColumn == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE `+c.Child.Table+` SET `+c.Ref.ServerColumn+` = ? WHERE `+c.Ref.Column+` = ?`,
			serverID, localID)
		if err != nil {
			return fmt.Errorf("propagate server id to %s: %w", c.Child.Type, err)
		}
	}
	return nil
}

// MarkFailure records a failed attempt. With retries left the entry goes
// back to pending with next_retry_at pushed out by the backoff policy;
// otherwise it goes dead and stays dead until an operator acts.
func (q *Queue) MarkFailure(ctx context.Context, id int64, cause error) (Entry, error) {
	var out Entry
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := getByID(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("queue entry", fmt.Sprint(id))
		}
		if err != nil {
			return err
		}
		if e.Status == StatusSynced || e.Status == StatusDead {
			return fmt.Errorf("mark failure: entry %d is %s", id, e.Status)
		}

		now := q.clock.Now()
		retry := e.RetryCount + 1
		status := StatusPending
		var next sql.NullString
		if retry >= e.MaxRetries {
			retry = e.MaxRetries
			status = StatusDead
		} else {
			next = sql.NullString{String: store.FormatTime(now.Add(q.Backoff(retry))), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET retry_count = ?, status = ?, next_retry_at = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			retry, string(status), next, errorText(cause), store.FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("mark failure: %w", err)
		}
		if err := SettleTx(ctx, tx, e.EntityType, e.EntityLocalID); err != nil {
			return err
		}
		out, err = getByID(ctx, tx, id)
		return err
	})
	return out, err
}

// MarkDead sends an entry straight to dead without spending its retries.
// Used when the remote rejects a request as intrinsically invalid.
func (q *Queue) MarkDead(ctx context.Context, id int64, cause error) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := getByID(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("queue entry", fmt.Sprint(id))
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'dead', next_retry_at = NULL, error_message = ?, updated_at = ?
			WHERE id = ?`,
			errorText(cause), store.FormatTime(q.clock.Now()), id)
		if err != nil {
			return fmt.Errorf("mark dead: %w", err)
		}
		return SettleTx(ctx, tx, e.EntityType, e.EntityLocalID)
	})
}

// Defer returns a claimed entry to pending until the given time without
// counting an attempt. Used when the entry cannot be sent yet, e.g. a parent
// it references has not been assigned a server id.
func (q *Queue) Defer(ctx context.Context, id int64, until time.Time, reason string) error {
	_, err := q.db.SQL().ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', next_retry_at = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		store.FormatTime(until), nullString(reason), store.FormatTime(q.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("defer entry: %w", err)
	}
	return nil
}

// Backoff returns the delay before attempt number retry+1:
// min(cap, base·2^retry + jitter).
func (q *Queue) Backoff(retry int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < retry && d < q.cfg.BackoffCap; i++ {
		d *= 2
	}
	if q.cfg.Jitter > 0 {
		d += time.Duration(q.randN(int64(q.cfg.Jitter)))
	}
	if q.cfg.BackoffCap > 0 && d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	return d
}

// settleEntity derives an entity's sync_status from its unsynced entries:
// dead if any is dead, failed if any has failed an attempt, pending if any
// remain, synced otherwise.
func settleEntity(ctx context.Context, tx store.DBTX, d entity.Descriptor, localID string) error {
	var dead, failed, live int
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'dead'), 0),
			COALESCE(SUM(status IN ('pending', 'processing') AND retry_count > 0), 0),
			COALESCE(SUM(status IN ('pending', 'processing')), 0)
		FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ?`,
		d.Type, localID).Scan(&dead, &failed, &live)
	if err != nil {
		return fmt.Errorf("settle %s: %w", d.Type, err)
	}

	status := entity.StatusSynced
	switch {
	case dead > 0:
		status = entity.StatusDead
	case failed > 0:
		status = entity.StatusFailed
	case live > 0:
		status = entity.StatusPending
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE `+d.Table+` SET sync_status = ? WHERE local_id = ?`, string(status), localID)
	if err != nil {
		return fmt.Errorf("settle %s: %w", d.Type, err)
	}
	return nil
}

// SettleTx re-derives an entity's sync_status from its queue entries.
func SettleTx(ctx context.Context, tx store.DBTX, entityType, localID string) error {
	d, ok := entity.Lookup(entityType)
	if !ok {
		return apperr.Validation("unknown entity type %q", entityType)
	}
	return settleEntity(ctx, tx, d, localID)
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
