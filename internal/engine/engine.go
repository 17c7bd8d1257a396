package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/repo"
	"github.com/roach88/tillsync/internal/store"
)

// Remote delivers mutations and serves remote changes.
// Implemented by remote.Client and testutil.ScriptedRemote.
type Remote interface {
	Send(ctx context.Context, req remote.Request) (remote.Response, error)
	Pull(ctx context.Context, entityType, since string) (remote.Page, error)
}

const (
	DefaultBatchSize      = 50
	DefaultRequestTimeout = 30 * time.Second
	DefaultInterval       = time.Minute

	// DefaultDeferDelay is how long a row waits when a parent it references
	// has no server id yet.
	DefaultDeferDelay = 5 * time.Second
)

// Engine is the sync engine.
//
// Thread-safety:
//   - Drain, Pull, SetOnline and Trigger: safe from any goroutine
//   - Run: call from one goroutine
type Engine struct {
	db     *store.DB
	q      *queue.Queue
	repos  *repo.Set
	remote Remote
	log    *slog.Logger

	batchSize      int
	requestTimeout time.Duration
	interval       time.Duration
	deferDelay     time.Duration
	pullTypes      []string

	online atomic.Bool
	wake   *signal

	drainMu  sync.Mutex
	draining bool
	rerun    bool

	pullLocks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize caps the rows claimed per pass.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithRequestTimeout bounds each remote request. A timeout counts as a
// transient failure.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithInterval sets Run's periodic drain and pull.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithDeferDelay sets how long a row with an unresolved parent waits.
func WithDeferDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deferDelay = d
		}
	}
}

// WithPullTypes limits Pull to the given entity types. They are still
// pulled parents-first.
func WithPullTypes(types ...string) Option {
	return func(e *Engine) {
		e.pullTypes = types
	}
}

// WithLogger sets the engine logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// StartOffline makes the engine wait for SetOnline(true) before it sends
// or pulls anything.
func StartOffline() Option {
	return func(e *Engine) {
		e.online.Store(false)
	}
}

// New creates an Engine. It starts online unless StartOffline is given.
func New(db *store.DB, q *queue.Queue, repos *repo.Set, r Remote, opts ...Option) *Engine {
	e := &Engine{
		db:             db,
		q:              q,
		repos:          repos,
		remote:         r,
		log:            slog.Default(),
		batchSize:      DefaultBatchSize,
		requestTimeout: DefaultRequestTimeout,
		interval:       DefaultInterval,
		deferDelay:     DefaultDeferDelay,
		pullTypes:      entity.PullOrder,
		wake:           newSignal(),
		pullLocks:      make(map[string]*sync.Mutex, len(entity.PullOrder)),
	}
	e.online.Store(true)
	for _, t := range entity.PullOrder {
		e.pullLocks[t] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Online reports the last connectivity state given to SetOnline.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records connectivity. Coming back online triggers the engine.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	e.log.Info("connectivity changed", "online", online)
	if online {
		e.Trigger()
	}
}

// Trigger asks Run for a drain and pull as soon as possible. Never blocks.
func (e *Engine) Trigger() {
	e.wake.notify()
}

// Run drives the engine until ctx is cancelled.
//
// On start it returns rows a crash left in processing to pending. It then
// drains and pulls on every tick and trigger, and drains again when the
// earliest retry comes due.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("sync engine starting", "interval", e.interval, "batch_size", e.batchSize)

	n, err := e.q.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight entries: %w", err)
	}
	if n > 0 {
		e.log.Warn("recovered in-flight entries", "count", n)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	e.cycle(ctx, true)
	for {
		e.armRetry(ctx, retry)

		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx, true)
		case <-e.wake.C():
			e.cycle(ctx, true)
		case <-retry.C:
			e.cycle(ctx, false)
		}
	}
}

// cycle runs one drain and, if pull is set, one pull. Errors are logged;
// the next tick tries again.
func (e *Engine) cycle(ctx context.Context, pull bool) {
	if !e.Online() {
		e.log.Debug("offline, skipping sync cycle")
		return
	}
	res, err := e.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		e.log.Error("drain failed", "error", err)
	}
	if res.Sent > 0 {
		e.log.Info("drain finished",
			"sent", res.Sent, "succeeded", res.Succeeded, "failed", res.Failed,
			"dead", res.Dead, "deferred", res.Deferred)
	}

	if !pull || ctx.Err() != nil {
		return
	}
	pr, err := e.Pull(ctx)
	if err != nil && ctx.Err() == nil {
		e.log.Error("pull failed", "error", err)
	}
	if pr.Changed() > 0 || pr.Conflicts > 0 {
		e.log.Info("pull finished",
			"inserted", pr.Inserted, "updated", pr.Updated, "deleted", pr.Deleted,
			"conflicts", pr.Conflicts, "orphans", pr.Orphans)
	}
}

// armRetry points the retry timer at the earliest due retry, or stops it.
func (e *Engine) armRetry(ctx context.Context, t *time.Timer) {
	t.Stop()
	due, err := e.q.NextDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("read next retry", "error", err)
		}
		return
	}
	if due == nil {
		return
	}
	t.Reset(max(due.Sub(e.q.Now()), 0))
}
