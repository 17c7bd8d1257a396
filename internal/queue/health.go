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

// Stats summarizes queue health for the sync-health view.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Synced     int `json:"synced"`
	Dead       int `json:"dead"`

	// Blocked counts pending entries waiting on a dead or discarded
	// dependency.
	Blocked int `json:"blocked"`

	// OldestPending is the creation time of the oldest unsynced entry.
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Healthy reports whether nothing needs operator attention.
func (s Stats) Healthy() bool {
	return s.Dead == 0 && s.Blocked == 0
}

// Stats counts entries by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.SQL().QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("queue stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusProcessing:
			s.Processing = n
		case StatusSynced:
			s.Synced = n
		case StatusDead:
			s.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}

	err = q.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue q
		LEFT JOIN sync_queue d ON d.idempotency_key = q.depends_on
		WHERE q.status = 'pending' AND q.depends_on IS NOT NULL
		  AND (d.id IS NULL OR d.status = 'dead')`).Scan(&s.Blocked)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}

	var oldest sql.NullString
	err = q.db.SQL().QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM sync_queue WHERE status != 'synced'`).Scan(&oldest)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	s.OldestPending, err = store.NullTime(oldest)
	return s, err
}

// Retry re-arms a dead entry: pending, retry_count 0, due immediately.
// An entry whose dependency was discarded can never be sent and is refused.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := q.deadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		orphaned, err := dependencyGoneTx(ctx, tx, e)
		if err != nil {
			return err
		}
		if orphaned {
			return apperr.Validation("entry %d depends on discarded entry %s; discard it instead", id, e.DependsOn)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', retry_count = 0, next_retry_at = NULL, error_message = NULL, updated_at = ?
			WHERE id = ?`,
			store.FormatTime(q.clock.Now()), id)
		if err != nil {
			return fmt.Errorf("retry entry: %w", err)
		}
		return SettleTx(ctx, tx, e.EntityType, e.EntityLocalID)
	})
}

// RetryAllDead re-arms every dead entry that can still be sent. Entries
// whose dependency was discarded stay dead. Returns how many were re-armed.
func (q *Queue) RetryAllDead(ctx context.Context) (int, error) {
	dead, err := q.List(ctx, Filter{Status: StatusDead})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range dead {
		err := q.Retry(ctx, e.ID)
		if apperr.IsValidation(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// dependencyGoneTx reports whether e depends on an entry that no longer
// exists. Prune never removes an entry an unsynced one depends on, so a
// missing dependency was discarded.
func dependencyGoneTx(ctx context.Context, tx store.DBTX, e Entry) (bool, error) {
	if e.DependsOn == "" {
		return false, nil
	}
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE idempotency_key = ?`, e.DependsOn).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("find dependency: %w", err)
	}
	return n == 0, nil
}

// Discard removes a dead entry. Entries depending on it, directly or
// transitively, can never be delivered and go dead with it. The entity is
// left failed: its local state no longer has a path to the remote.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := q.deadEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		now := store.FormatTime(q.clock.Now())

		keys := []string{e.IdempotencyKey}
		for len(keys) > 0 {
			key := keys[0]
			keys = keys[1:]

			rows, err := tx.QueryContext(ctx,
				`SELECT `+qualifiedColumns("q")+` FROM sync_queue q WHERE q.depends_on = ? AND q.status != 'synced'`, key)
			if err != nil {
				return fmt.Errorf("find dependents: %w", err)
			}
			deps, err := scanEntries(rows)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				if dep.Status == StatusDead {
					continue
				}
				_, err := tx.ExecContext(ctx, `
					UPDATE sync_queue
					SET status = 'dead', next_retry_at = NULL, error_message = ?, updated_at = ?
					WHERE id = ?`,
					"dependency discarded: "+key, now, dep.ID)
				if err != nil {
					return fmt.Errorf("kill dependent: %w", err)
				}
				if err := SettleTx(ctx, tx, dep.EntityType, dep.EntityLocalID); err != nil {
					return err
				}
				keys = append(keys, dep.IdempotencyKey)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("discard entry: %w", err)
		}
		if err := SettleTx(ctx, tx, e.EntityType, e.EntityLocalID); err != nil {
			return err
		}

		d, _ := entity.Lookup(e.EntityType)
		_, err = tx.ExecContext(ctx,
			`UPDATE `+d.Table+` SET sync_status = 'failed' WHERE local_id = ? AND sync_status = 'synced'`,
			e.EntityLocalID)
		if err != nil {
			return fmt.Errorf("discard entry: %w", err)
		}
		return nil
	})
}

func (q *Queue) deadEntry(ctx context.Context, tx store.DBTX, id int64) (Entry, error) {
	e, err := getByID(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.NotFound("queue entry", fmt.Sprint(id))
	}
	if err != nil {
		return Entry{}, err
	}
	if e.Status != StatusDead {
		return Entry{}, apperr.Validation("entry %d is %s, not dead", id, e.Status)
	}
	return e, nil
}

// Prune deletes synced entries last touched before now-olderThan that no
// unsynced entry depends on. Returns the number removed.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := store.FormatTime(q.clock.Now().Add(-olderThan))
	res, err := q.db.SQL().ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = 'synced' AND updated_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue d
			WHERE d.depends_on = sync_queue.idempotency_key AND d.status != 'synced'
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sync_queue: %w", err)
	}
	return res.RowsAffected()
}

// RecoverInFlight returns entries left processing by a crash to pending.
// Re-sending them is safe because the remote deduplicates on the key.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.SQL().ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'processing'`,
		store.FormatTime(q.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: %w", err)
	}
	return res.RowsAffected()
}

// NextDue returns the earliest future next_retry_at among pending entries,
// or nil if nothing is scheduled.
func (q *Queue) NextDue(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := q.db.SQL().QueryRowContext(ctx, `
		SELECT MIN(next_retry_at) FROM sync_queue
		WHERE status = 'pending' AND next_retry_at > ?`,
		store.FormatTime(q.clock.Now())).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next due: %w", err)
	}
	return store.NullTime(next)
}
