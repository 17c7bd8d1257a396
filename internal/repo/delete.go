package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/store"
)

// deleteTx deletes one entity row of any kind. See Repository.Delete.
func deleteTx(ctx context.Context, tx store.DBTX, q *queue.Queue, d entity.Descriptor, localID string) error {
	var (
		id       sql.NullInt64
		revision int64
		deleted  sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, revision, deleted_at FROM `+d.Table+` WHERE local_id = ?`, localID).Scan(&id, &revision, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(d.Type, localID)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", d.Type, localID, err)
	}
	if deleted.Valid {
		return nil
	}

	for _, c := range entity.Children(d.Type) {
		if c.Ref.OnDelete != entity.Restrict {
			continue
		}
		n, err := countChildrenTx(ctx, tx, c, localID)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.Validation("%s %s is referenced by %d %s row(s)", d.Type, localID, n, c.Child.Type)
		}
	}

	// Cascaded children go first so that their queue entries are dealt
	// with while the parent row still exists.
	for _, c := range entity.Children(d.Type) {
		if c.Ref.OnDelete != entity.Cascade {
			continue
		}
		kids, err := childIDsTx(ctx, tx, c, localID)
		if err != nil {
			return err
		}
		for _, kid := range kids {
			if err := deleteTx(ctx, tx, q, c.Child, kid); err != nil {
				return err
			}
		}
	}

	inFlight, err := queue.HasInFlightTx(ctx, tx, d.Type, localID)
	if err != nil {
		return err
	}

	if !id.Valid && !inFlight {
		if _, err := queue.RemoveEntityTx(ctx, tx, d.Type, localID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+d.Table+` WHERE local_id = ?`, localID); err != nil {
			return fmt.Errorf("delete %s %s: %w", d.Type, localID, err)
		}
		return nil
	}

	now := q.Now()
	revision++
	_, err = tx.ExecContext(ctx,
		`UPDATE `+d.Table+` SET deleted_at = ?, updated_at = ?, revision = ? WHERE local_id = ?`,
		store.FormatTime(now), store.FormatTime(now), revision, localID)
	if err != nil {
		return fmt.Errorf("tombstone %s %s: %w", d.Type, localID, err)
	}

	dependsOn, err := queue.LatestLiveKeyTx(ctx, tx, d.Type, localID)
	if err != nil {
		return err
	}
	payload, err := entity.EncodePayload(entity.Payload[struct{}]{LocalID: localID, Revision: revision})
	if err != nil {
		return err
	}
	_, _, err = q.EnqueueTx(ctx, tx, queue.Request{
		EntityType:    d.Type,
		EntityLocalID: localID,
		Action:        entity.ActionDelete,
		Endpoint:      d.Endpoint + "/" + queue.IDPlaceholder,
		Method:        "DELETE",
		Payload:       payload,
		DependsOn:     dependsOn,
	})
	if err != nil {
		return err
	}
	return queue.SettleTx(ctx, tx, d.Type, localID)
}

func countChildrenTx(ctx context.Context, tx store.DBTX, c entity.ChildRef, parentLocalID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+c.Child.Table+` WHERE `+c.Ref.Column+` = ?`, parentLocalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s children: %w", c.Child.Type, err)
	}
	return n, nil
}

func childIDsTx(ctx context.Context, tx store.DBTX, c entity.ChildRef, parentLocalID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT local_id FROM `+c.Child.Table+` WHERE `+c.Ref.Column+` = ? ORDER BY created_at, local_id`, parentLocalID)
	if err != nil {
		return nil, fmt.Errorf("list %s children: %w", c.Child.Type, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list %s children: %w", c.Child.Type, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
