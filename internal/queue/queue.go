// Package queue implements the durable outbound sync queue and the
// per-entity-type pull watermarks.
//
// Every local mutation becomes one sync_queue row keyed by a deterministic
// idempotency key. Rows are delivered oldest first, never before the row
// they depend on has synced, and retried with capped exponential backoff
// until they succeed or go dead.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/canonical"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/store"
)

// Status is the state of a queue entry.
//
//	pending → processing → synced
//	                     → pending (failure, retries remain)
//	                     → dead    (retries exhausted or permanent error)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSynced     Status = "synced"
	StatusDead       Status = "dead"
)

// IDPlaceholder in an endpoint is replaced by the entity's server id at
// send time, e.g. "/orders/{id}".
const IDPlaceholder = "{id}"

// Entry is one sync_queue row.
type Entry struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     string          `json:"entity_type"`
	EntityLocalID  string          `json:"entity_local_id"`
	Action         entity.Action   `json:"action"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Payload        json.RawMessage `json:"payload"`
	DependsOn      string          `json:"depends_on,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Status         Status          `json:"status"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ServerID       *int64          `json:"server_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Request describes a mutation to enqueue.
type Request struct {
	EntityType    string
	EntityLocalID string
	Action        entity.Action
	Endpoint      string
	Method        string
	Payload       []byte

	// DependsOn is the idempotency key of an entry that must sync first.
	DependsOn string
}

// Config holds retry policy.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		Jitter:      time.Second,
	}
}

// Queue is the sync queue over a store.DB.
type Queue struct {
	db    *store.DB
	clock clock.Clock
	cfg   Config
	randN func(n int64) int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithConfig sets the retry policy.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithRand sets the jitter source. randN(n) must return a value in [0, n).
func WithRand(randN func(n int64) int64) Option {
	return func(q *Queue) { q.randN = randN }
}

// New creates a Queue.
func New(db *store.DB, opts ...Option) *Queue {
	q := &Queue{
		db:    db,
		clock: clock.New(),
		cfg:   DefaultConfig(),
		randN: rand.Int64N,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the queue's retry policy.
func (q *Queue) Config() Config {
	return q.cfg
}

// Now returns the queue clock's current time.
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Enqueue records a mutation in its own transaction. See EnqueueTx.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Entry, bool, error) {
	var (
		e        Entry
		inserted bool
	)
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		e, inserted, err = q.EnqueueTx(ctx, tx, req)
		return err
	})
	return e, inserted, err
}

// EnqueueTx records a mutation inside the caller's transaction.
//
// If a non-dead row with the same idempotency key exists, it is returned
// unchanged with inserted=false: re-issuing a mutation is absorbed, not an
// error. A dead row with the same key is replaced by a fresh pending row,
// which is how an operator re-issues a mutation after fixing its cause.
func (q *Queue) EnqueueTx(ctx context.Context, tx store.DBTX, req Request) (Entry, bool, error) {
	if err := validateRequest(req); err != nil {
		return Entry{}, false, err
	}

	payload, err := canonical.FromJSON(req.Payload)
	if err != nil {
		return Entry{}, false, apperr.Validation("payload: %v", err)
	}
	key, err := canonical.IdempotencyKey(req.EntityType, req.EntityLocalID, string(req.Action), payload)
	if err != nil {
		return Entry{}, false, apperr.Validation("idempotency key: %v", err)
	}

	existing, err := getByKey(ctx, tx, key)
	switch {
	case err == nil && existing.Status != StatusDead:
		return existing, false, nil
	case err == nil:
		if req.DependsOn == key {
			req.DependsOn = existing.DependsOn
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, existing.ID); err != nil {
			return Entry{}, false, fmt.Errorf("replace dead entry: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Entry{}, false, err
	}

	if req.DependsOn == key {
		req.DependsOn = ""
	}
	if req.DependsOn != "" {
		if _, err := getByKey(ctx, tx, req.DependsOn); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Entry{}, false, apperr.Validation("depends_on %s: no such entry", req.DependsOn)
			}
			return Entry{}, false, err
		}
	}

	now := store.FormatTime(q.clock.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (
			idempotency_key, entity_type, entity_local_id, action, endpoint, method,
			payload, depends_on, retry_count, max_retries, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 'pending', ?, ?)`,
		key, req.EntityType, req.EntityLocalID, string(req.Action), req.Endpoint, req.Method,
		string(payload), nullString(req.DependsOn), q.cfg.MaxRetries, now, now)
	if err != nil {
		return Entry{}, false, fmt.Errorf("insert sync_queue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, false, fmt.Errorf("insert sync_queue: %w", err)
	}

	e, err := getByID(ctx, tx, id)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func validateRequest(req Request) error {
	if _, ok := entity.Lookup(req.EntityType); !ok {
		return apperr.Validation("unknown entity type %q", req.EntityType)
	}
	if req.EntityLocalID == "" {
		return apperr.Validation("entity local id is required")
	}
	switch req.Action {
	case entity.ActionCreate, entity.ActionUpdate, entity.ActionDelete:
	default:
		return apperr.Validation("unknown action %q", req.Action)
	}
	if req.Endpoint == "" || req.Method == "" {
		return apperr.Validation("endpoint and method are required")
	}
	return nil
}

// DequeueReady returns up to limit pending entries that may be sent now:
// their dependency (if any) has synced and their retry time has passed.
// Entries come back oldest first. An entry whose dependency is pending,
// processing, dead or missing is never returned.
func (q *Queue) DequeueReady(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.db.SQL().QueryContext(ctx, `
		SELECT `+qualifiedColumns("q")+`
		FROM sync_queue q
		LEFT JOIN sync_queue d ON d.idempotency_key = q.depends_on
		WHERE q.status = 'pending'
		  AND (q.depends_on IS NULL OR d.status = 'synced')
		  AND (q.next_retry_at IS NULL OR q.next_retry_at <= ?)
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT ?`,
		store.FormatTime(q.clock.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue ready: %w", err)
	}
	return scanEntries(rows)
}

// MarkProcessing claims a pending entry. It returns false if the entry is
// no longer pending, e.g. because it was discarded meanwhile.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.SQL().ExecContext(ctx,
		`UPDATE sync_queue SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		store.FormatTime(q.clock.Now()), id)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return n == 1, nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := getByID(ctx, q.db.SQL(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.NotFound("queue entry", fmt.Sprint(id))
	}
	return e, err
}

// GetByKey returns the entry with the given idempotency key.
func (q *Queue) GetByKey(ctx context.Context, key string) (Entry, error) {
	e, err := getByKey(ctx, q.db.SQL(), key)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.NotFound("queue entry", key)
	}
	return e, err
}

// Filter selects entries for List.
type Filter struct {
	Status        Status
	EntityType    string
	EntityLocalID string
	Limit         int
}

// List returns entries matching f, oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT ` + qualifiedColumns("q") + ` FROM sync_queue q WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND q.status = ?`
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		query += ` AND q.entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityLocalID != "" {
		query += ` AND q.entity_local_id = ?`
		args = append(args, f.EntityLocalID)
	}
	query += ` ORDER BY q.created_at ASC, q.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync_queue: %w", err)
	}
	return scanEntries(rows)
}

// LatestLiveKeyTx returns the key of the newest unsynced entry for an
// entity, or "" if it has none. New mutations of the entity depend on it so
// that its mutations reach the remote in the order they were made.
func LatestLiveKeyTx(ctx context.Context, tx store.DBTX, entityType, localID string) (string, error) {
	var key string
	err := tx.QueryRowContext(ctx, `
		SELECT idempotency_key FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND status != 'synced'
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		entityType, localID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest live entry: %w", err)
	}
	return key, nil
}

// CreateKeyTx returns the key of the entity's create entry, or "" if none
// exists (the entity came from the remote, or its create was pruned).
func CreateKeyTx(ctx context.Context, tx store.DBTX, entityType, localID string) (string, error) {
	var key string
	err := tx.QueryRowContext(ctx, `
		SELECT idempotency_key FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND action = 'create'
		ORDER BY id DESC LIMIT 1`,
		entityType, localID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("create entry: %w", err)
	}
	return key, nil
}

// HasUnsyncedTx reports whether any entry that is not yet synced targets
// the entity. Pulls never overwrite such rows.
func HasUnsyncedTx(ctx context.Context, tx store.DBTX, entityType, localID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND status != 'synced'`,
		entityType, localID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unsynced entries: %w", err)
	}
	return n > 0, nil
}

// HasInFlightTx reports whether an entry for the entity is being sent.
func HasInFlightTx(ctx context.Context, tx store.DBTX, entityType, localID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND status = 'processing'`,
		entityType, localID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count in-flight entries: %w", err)
	}
	return n > 0, nil
}

// RemoveEntityTx deletes the unsynced entries of an entity that is being
// hard-deleted before it ever reached the remote. Entries that depended on
// the removed ones lose their dependency.
func RemoveEntityTx(ctx context.Context, tx store.DBTX, entityType, localID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET depends_on = NULL
		WHERE depends_on IN (
			SELECT idempotency_key FROM sync_queue
			WHERE entity_type = ? AND entity_local_id = ? AND status IN ('pending', 'dead')
		)`, entityType, localID)
	if err != nil {
		return 0, fmt.Errorf("detach dependents: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND status IN ('pending', 'dead')`,
		entityType, localID)
	if err != nil {
		return 0, fmt.Errorf("remove entity entries: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
