package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository[T]) getTx(ctx context.Context, tx store.DBTX, localID string) (*T, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+r.kind.SelectColumns()+` FROM `+r.kind.Table+` WHERE local_id = ?`, localID)
	v, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(r.kind.Type, localID)
	}
	return v, err
}

// scan reads one row selected with SelectColumns.
func (r *Repository[T]) scan(row scanner) (*T, error) {
	var (
		v                T
		id               sql.NullInt64
		status           string
		serverUpdated    sql.NullString
		created, updated string
		deleted          sql.NullString
	)
	m := r.kind.Meta(&v)
	dest := append([]any{&m.LocalID, &id, &status, &serverUpdated, &m.Revision, &created, &updated, &deleted},
		r.kind.Targets(&v)...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan %s: %w", r.kind.Type, err)
	}

	if id.Valid {
		n := id.Int64
		m.ID = &n
	}
	m.SyncStatus = entity.SyncStatus(status)
	m.ServerUpdatedAt = serverUpdated.String

	var err error
	if m.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	if m.DeletedAt, err = store.NullTime(deleted); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repository[T]) metaValues(m *entity.Meta) []any {
	var deleted sql.NullString
	if m.DeletedAt != nil {
		deleted = sql.NullString{String: store.FormatTime(*m.DeletedAt), Valid: true}
	}
	return []any{
		m.LocalID,
		m.ID,
		string(m.SyncStatus),
		sql.NullString{String: m.ServerUpdatedAt, Valid: m.ServerUpdatedAt != ""},
		m.Revision,
		store.FormatTime(m.CreatedAt),
		store.FormatTime(m.UpdatedAt),
		deleted,
	}
}

func (r *Repository[T]) insertTx(ctx context.Context, tx store.DBTX, v *T) error {
	cols := append(append([]string{}, entity.MetaColumns...), r.kind.Columns...)
	args := append(r.metaValues(r.kind.Meta(v)), r.kind.Values(v)...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+r.kind.Table+` (`+strings.Join(cols, ", ")+`) VALUES (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.kind.Type, err)
	}
	return nil
}

// writeTx overwrites every column of an existing row except local_id and
// created_at.
func (r *Repository[T]) writeTx(ctx context.Context, tx store.DBTX, v *T) error {
	m := r.kind.Meta(v)
	meta := r.metaValues(m)

	sets := []string{"id = ?", "sync_status = ?", "server_updated_at = ?", "revision = ?", "updated_at = ?", "deleted_at = ?"}
	args := []any{meta[1], meta[2], meta[3], meta[4], meta[6], meta[7]}
	for _, c := range r.kind.Columns {
		sets = append(sets, c+" = ?")
	}
	args = append(args, r.kind.Values(v)...)
	args = append(args, m.LocalID)

	res, err := tx.ExecContext(ctx,
		`UPDATE `+r.kind.Table+` SET `+strings.Join(sets, ", ")+` WHERE local_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.kind.Type, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound(r.kind.Type, m.LocalID)
	}
	return nil
}

// ServerIDTx returns the server id of an entity row, and whether the row
// exists at all.
func ServerIDTx(ctx context.Context, tx store.DBTX, d entity.Descriptor, localID string) (*int64, bool, error) {
	var id sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+d.Table+` WHERE local_id = ?`, localID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("server id of %s %s: %w", d.Type, localID, err)
	}
	if !id.Valid {
		return nil, true, nil
	}
	n := id.Int64
	return &n, true, nil
}

// LocalIDByServerIDTx returns the local id of the row the remote knows as
// id, or "" if there is none.
func LocalIDByServerIDTx(ctx context.Context, tx store.DBTX, d entity.Descriptor, id int64) (string, error) {
	var localID string
	err := tx.QueryRowContext(ctx, `SELECT local_id FROM `+d.Table+` WHERE id = ?`, id).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("local id of %s %d: %w", d.Type, id, err)
	}
	return localID, nil
}

func existsTx(ctx context.Context, tx store.DBTX, d entity.Descriptor, localID string) (bool, error) {
	_, found, err := ServerIDTx(ctx, tx, d, localID)
	return found, err
}
