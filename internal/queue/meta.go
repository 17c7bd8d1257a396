package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/store"
)

// Watermark is the sync_meta row of one entity type.
type Watermark struct {
	EntityType          string     `json:"entity_type"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	LastServerTimestamp string     `json:"last_server_timestamp,omitempty"`

	// FullSyncCompleted distinguishes "never pulled" from "pulled, nothing new".
	FullSyncCompleted bool `json:"full_sync_completed"`
}

// Watermark returns the pull watermark of an entity type. A type that has
// never been pulled returns a zero Watermark, not an error.
func (q *Queue) Watermark(ctx context.Context, entityType string) (Watermark, error) {
	return WatermarkTx(ctx, q.db.SQL(), entityType)
}

// WatermarkTx reads a watermark inside the caller's transaction.
func WatermarkTx(ctx context.Context, tx store.DBTX, entityType string) (Watermark, error) {
	w := Watermark{EntityType: entityType}
	var (
		syncedAt, serverTS sql.NullString
		full               int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT last_synced_at, last_server_timestamp, full_sync_completed
		FROM sync_meta WHERE entity_type = ?`, entityType).Scan(&syncedAt, &serverTS, &full)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("read sync_meta: %w", err)
	}
	w.LastServerTimestamp = serverTS.String
	w.FullSyncCompleted = full == 1
	w.LastSyncedAt, err = store.NullTime(syncedAt)
	return w, err
}

// Watermarks lists every recorded watermark ordered by entity type.
func (q *Queue) Watermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := q.db.SQL().QueryContext(ctx, `SELECT entity_type FROM sync_meta ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("list sync_meta: %w", err)
	}
	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list sync_meta: %w", err)
		}
		types = append(types, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync_meta: %w", err)
	}

	out := make([]Watermark, 0, len(types))
	for _, t := range types {
		w, err := q.Watermark(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// AdvanceTx moves an entity type's watermark after a page of remote changes
// has been applied in tx. An empty serverTimestamp keeps the previous one.
func (q *Queue) AdvanceTx(ctx context.Context, tx store.DBTX, entityType, serverTimestamp string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_meta (entity_type, last_synced_at, last_server_timestamp, full_sync_completed)
		VALUES (?, ?, NULLIF(?, ''), 1)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			last_server_timestamp = COALESCE(excluded.last_server_timestamp, sync_meta.last_server_timestamp),
			full_sync_completed = 1`,
		entityType, store.FormatTime(q.clock.Now()), serverTimestamp)
	if err != nil {
		return fmt.Errorf("advance sync_meta: %w", err)
	}
	return nil
}

// ResetWatermark forgets an entity type's watermark so the next pull is a
// full sync.
func (q *Queue) ResetWatermark(ctx context.Context, entityType string) error {
	_, err := q.db.SQL().ExecContext(ctx, `DELETE FROM sync_meta WHERE entity_type = ?`, entityType)
	if err != nil {
		return fmt.Errorf("reset sync_meta: %w", err)
	}
	return nil
}
