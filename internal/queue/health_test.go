package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
)

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s)
	assert.True(t, s.Healthy())

	a := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))
	f.clock.Advance(time.Second)
	b := f.enqueue(t, createReq(entity.TypeCustomer, "c2", ""))
	f.enqueue(t, createReq(entity.TypeCustomer, "c3", ""))
	require.NoError(t, f.q.MarkSuccess(ctx, a.ID, Ack{}))
	_, err = f.q.MarkProcessing(ctx, b.ID)
	require.NoError(t, err)

	s, err = f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 1, s.Synced)
	require.NotNil(t, s.OldestPending)
	assert.True(t, b.CreatedAt.Equal(*s.OldestPending))
}

func TestRetry_RearmsDeadEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertOrder(t, "o1")
	e := f.enqueue(t, createReq(entity.TypeOrder, "o1", ""))

	err := f.q.Retry(ctx, e.ID)
	assert.True(t, apperr.IsValidation(err), "only dead entries can be retried")

	for i := 0; i < testConfig.MaxRetries; i++ {
		_, err := f.q.MarkFailure(ctx, e.ID, errors.New("boom"))
		require.NoError(t, err)
	}
	require.NoError(t, f.q.Retry(ctx, e.ID))

	got, err := f.q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "pending", f.entityStatus(t, "orders", "o1"))

	ready, err := f.q.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, ids(ready))
}

func TestRetryAllDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))
	b := f.enqueue(t, createReq(entity.TypeCustomer, "c2", ""))
	require.NoError(t, f.q.MarkDead(ctx, a.ID, errors.New("x")))
	require.NoError(t, f.q.MarkDead(ctx, b.ID, errors.New("y")))

	n, err := f.q.RetryAllDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 0, s.Dead)
}

func TestRetry_RefusesEntryWithDiscardedDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertOrder(t, "o1")
	f.insertPayment(t, "p1", "o1")

	order := f.enqueue(t, createReq(entity.TypeOrder, "o1", ""))
	payment := f.enqueue(t, createReq(entity.TypePayment, "p1", order.IdempotencyKey))
	require.NoError(t, f.q.MarkDead(ctx, order.ID, errors.New("rejected")))
	require.NoError(t, f.q.Discard(ctx, order.ID))

	err := f.q.Retry(ctx, payment.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, err.Error(), "discarded")

	n, err := f.q.RetryAllDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.q.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)

	s, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Dead)
	assert.False(t, s.Healthy())
}

func TestStats_CountsPendingEntryWithMissingDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertOrder(t, "o1")
	f.insertPayment(t, "p1", "o1")

	order := f.enqueue(t, createReq(entity.TypeOrder, "o1", ""))
	payment := f.enqueue(t, createReq(entity.TypePayment, "p1", order.IdempotencyKey))
	require.NoError(t, f.q.MarkDead(ctx, order.ID, errors.New("rejected")))
	require.NoError(t, f.q.Discard(ctx, order.ID))

	// A dependent re-armed before discarded dependencies were refused.
	_, err := f.db.SQL().Exec(`UPDATE sync_queue SET status = 'pending', error_message = NULL WHERE id = ?`, payment.ID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	ready, err := f.q.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	s, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Blocked)
	assert.False(t, s.Healthy())
}

func TestDiscard_KillsDependentsTransitively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertOrder(t, "o1")
	f.insertPayment(t, "p1", "o1")

	order := f.enqueue(t, createReq(entity.TypeOrder, "o1", ""))
	payment := f.enqueue(t, createReq(entity.TypePayment, "p1", order.IdempotencyKey))
	upd := createReq(entity.TypePayment, "p1", payment.IdempotencyKey)
	upd.Action = entity.ActionUpdate
	paymentUpdate := f.enqueue(t, upd)
	other := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))

	require.NoError(t, f.q.MarkDead(ctx, order.ID, errors.New("rejected")))
	require.NoError(t, f.q.Discard(ctx, order.ID))

	_, err := f.q.Get(ctx, order.ID)
	assert.True(t, apperr.IsNotFound(err))

	for _, id := range []int64{payment.ID, paymentUpdate.ID} {
		got, err := f.q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDead, got.Status)
		assert.Contains(t, got.ErrorMessage, "dependency discarded")
	}
	got, err := f.q.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	assert.Equal(t, "failed", f.entityStatus(t, "orders", "o1"))
	assert.Equal(t, "dead", f.entityStatus(t, "payments", "p1"))
}

func TestDiscard_RequiresDeadEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))

	assert.True(t, apperr.IsValidation(f.q.Discard(ctx, e.ID)))
	assert.True(t, apperr.IsNotFound(f.q.Discard(ctx, 999)))
}

func TestPrune_KeepsReferencedAndRecentEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))
	parent := f.enqueue(t, createReq(entity.TypeOrder, "o1", ""))
	f.enqueue(t, createReq(entity.TypePayment, "p1", parent.IdempotencyKey))
	require.NoError(t, f.q.MarkSuccess(ctx, old.ID, Ack{}))
	require.NoError(t, f.q.MarkSuccess(ctx, parent.ID, Ack{}))

	f.clock.Advance(48 * time.Hour)
	recent := f.enqueue(t, createReq(entity.TypeCustomer, "c2", ""))
	require.NoError(t, f.q.MarkSuccess(ctx, recent.ID, Ack{}))

	n, err := f.q.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.q.Get(ctx, old.ID)
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.q.Get(ctx, parent.ID)
	assert.NoError(t, err, "a pending entry still depends on it")
	_, err = f.q.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestRecoverInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))
	f.enqueue(t, createReq(entity.TypeCustomer, "c2", ""))
	_, err := f.q.MarkProcessing(ctx, a.ID)
	require.NoError(t, err)

	n, err := f.q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestNextDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next, err := f.q.NextDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	e := f.enqueue(t, createReq(entity.TypeCustomer, "c1", ""))
	failed, err := f.q.MarkFailure(ctx, e.ID, errors.New("timeout"))
	require.NoError(t, err)

	next, err = f.q.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, failed.NextRetryAt.Equal(*next))

	f.clock.Set(*next)
	next, err = f.q.NextDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "due entries are not in the future")
}

func TestWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.q.Watermark(ctx, entity.TypeProduct)
	require.NoError(t, err)
	assert.False(t, w.FullSyncCompleted)
	assert.Empty(t, w.LastServerTimestamp)
	assert.Nil(t, w.LastSyncedAt)

	tx := f.db.SQL()
	require.NoError(t, f.q.AdvanceTx(ctx, tx, entity.TypeProduct, "2026-01-01T10:00:00Z"))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.q.AdvanceTx(ctx, tx, entity.TypeProduct, ""))

	w, err = f.q.Watermark(ctx, entity.TypeProduct)
	require.NoError(t, err)
	assert.True(t, w.FullSyncCompleted)
	assert.Equal(t, "2026-01-01T10:00:00Z", w.LastServerTimestamp, "empty timestamp keeps the previous one")
	require.NotNil(t, w.LastSyncedAt)
	assert.True(t, f.clock.Peek().Equal(*w.LastSyncedAt))

	all, err := f.q.Watermarks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, f.q.ResetWatermark(ctx, entity.TypeProduct))
	w, err = f.q.Watermark(ctx, entity.TypeProduct)
	require.NoError(t, err)
	assert.False(t, w.FullSyncCompleted)
}
