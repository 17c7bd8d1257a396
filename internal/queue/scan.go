package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/store"
)

var entryColumns = []string{
	"id", "idempotency_key", "entity_type", "entity_local_id", "action", "endpoint", "method",
	"payload", "depends_on", "retry_count", "max_retries", "status", "next_retry_at",
	"error_message", "server_id", "created_at", "updated_at",
}

func qualifiedColumns(alias string) string {
	cols := make([]string, len(entryColumns))
	for i, c := range entryColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e                    Entry
		action, status       string
		payload              string
		dependsOn, errMsg    sql.NullString
		nextRetry            sql.NullString
		serverID             sql.NullInt64
		createdAt, updatedAt string
	)
	err := r.Scan(&e.ID, &e.IdempotencyKey, &e.EntityType, &e.EntityLocalID, &action, &e.Endpoint,
		&e.Method, &payload, &dependsOn, &e.RetryCount, &e.MaxRetries, &status, &nextRetry,
		&errMsg, &serverID, &createdAt, &updatedAt)
	if err != nil {
		return Entry{}, err
	}

	e.Action = entity.Action(action)
	e.Status = Status(status)
	e.Payload = []byte(payload)
	e.DependsOn = dependsOn.String
	e.ErrorMessage = errMsg.String
	if serverID.Valid {
		id := serverID.Int64
		e.ServerID = &id
	}
	if e.NextRetryAt, err = store.NullTime(nextRetry); err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// scanEntries drains rows. Returns an empty slice, never nil.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync_queue: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync_queue: %w", err)
	}
	return out, nil
}

func getByID(ctx context.Context, db store.DBTX, id int64) (Entry, error) {
	return scanEntry(db.QueryRowContext(ctx,
		`SELECT `+qualifiedColumns("q")+` FROM sync_queue q WHERE q.id = ?`, id))
}

func getByKey(ctx context.Context, db store.DBTX, key string) (Entry, error) {
	return scanEntry(db.QueryRowContext(ctx,
		`SELECT `+qualifiedColumns("q")+` FROM sync_queue q WHERE q.idempotency_key = ?`, key))
}
