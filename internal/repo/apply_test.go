package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/remote"
)

func record(t *testing.T, id int64, localID, updatedAt string, fields map[string]any) remote.Record {
	t.Helper()
	r, err := remote.NewRecord(id, localID, updatedAt, fields)
	require.NoError(t, err)
	return r
}

func (f *fixture) apply(t *testing.T, st Store, rec remote.Record) Applied {
	t.Helper()
	var got Applied
	withTx(t, f.db, func(tx *sql.Tx) {
		var err error
		got, err = st.ApplyRemoteTx(context.Background(), tx, rec)
		require.NoError(t, err)
	})
	return got
}

func orderFields(number string) map[string]any {
	return map[string]any{
		"number": number, "status": "open",
		"subtotal_cents": 100, "tax_cents": 0, "total_cents": 100,
	}
}

func TestApplyRemote_InsertsNewRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := f.apply(t, f.set.Customers, record(t, 7, "tablet-9", "t1", map[string]any{"name": "Ann", "balance_cents": 0}))
	assert.Equal(t, Inserted, got)

	c, err := f.set.Customers.FindByServerID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "tablet-9", c.LocalID, "the remote's local id is kept when free")
	assert.Equal(t, "Ann", c.Name)
	assert.Equal(t, entity.StatusSynced, c.SyncStatus)
	assert.Equal(t, "t1", c.ServerUpdatedAt)

	s, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Pending, "pulled rows are never enqueued")
}

func TestApplyRemote_MapsParentServerIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, f.set.Orders, record(t, 40, "", "t1", orderFields("R-1")))
	order, err := f.set.Orders.FindByServerID(ctx, 40)
	require.NoError(t, err)

	got := f.apply(t, f.set.Payments, record(t, 90, "", "t1", map[string]any{
		"order_id": 40, "order_local_id": "other-device-id", "method": "card", "amount_cents": 100,
	}))
	assert.Equal(t, Inserted, got)

	p, err := f.set.Payments.FindByServerID(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, order.LocalID, p.OrderLocalID)
	require.NotNil(t, p.OrderID)
	assert.Equal(t, int64(40), *p.OrderID)
}

func TestApplyRemote_OrphanSkipped(t *testing.T) {
	f := newFixture(t)

	got := f.apply(t, f.set.Payments, record(t, 90, "", "t1", map[string]any{
		"order_id": 12345, "method": "card", "amount_cents": 100,
	}))
	assert.Equal(t, Orphan, got)

	got = f.apply(t, f.set.Products, record(t, 5, "", "t1", map[string]any{
		"category_id": 999, "name": "Tea", "price_cents": 1, "cost_cents": 0, "stock_qty": 0, "active": true,
	}))
	assert.Equal(t, Inserted, got, "an unknown optional parent is dropped")
}

func TestApplyRemote_UpdatesSyncedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t, "A-1")
	f.syncAll(t)

	fields := orderFields("A-1")
	fields["status"] = "completed"
	got := f.apply(t, f.set.Orders, record(t, 100, o.LocalID, "t2", fields))
	assert.Equal(t, Updated, got)

	u, err := f.set.Orders.FindByLocalID(ctx, o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "completed", u.Status)
	assert.Equal(t, "t2", u.ServerUpdatedAt)
	assert.Equal(t, int64(1), u.Revision)
	assert.True(t, o.CreatedAt.Equal(u.CreatedAt))

	assert.Equal(t, Unchanged, f.apply(t, f.set.Orders, record(t, 100, o.LocalID, "t2", fields)))
}

func TestApplyRemote_LocalPendingWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t, "A-1")
	f.syncAll(t)
	_, err := f.set.Orders.Update(ctx, o.LocalID, func(v *entity.Order) error {
		v.Status = "voided"
		return nil
	})
	require.NoError(t, err)

	fields := orderFields("A-1")
	fields["status"] = "completed"
	assert.Equal(t, Conflict, f.apply(t, f.set.Orders, record(t, 100, o.LocalID, "t2", fields)))
	assert.Equal(t, Conflict, f.apply(t, f.set.Orders, remote.Tombstone(100, "t3")))

	u, err := f.set.Orders.FindByLocalID(ctx, o.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "voided", u.Status)
	assert.Equal(t, entity.StatusPending, u.SyncStatus)
}

func TestApplyRemote_EchoOfInFlightCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t, "A-1")

	got := f.apply(t, f.set.Orders, record(t, 55, o.LocalID, "t1", orderFields("A-1")))
	assert.Equal(t, Conflict, got, "the row is matched by local id and kept")

	c, err := f.set.Orders.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Total)
}

func TestApplyRemote_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t, "A-1")
	f.syncAll(t)

	assert.Equal(t, Deleted, f.apply(t, f.set.Orders, remote.Tombstone(100, "t2")))
	_, err := f.set.Orders.FindByLocalID(ctx, o.LocalID)
	assert.Error(t, err)

	assert.Equal(t, Unchanged, f.apply(t, f.set.Orders, remote.Tombstone(100, "t2")))
}

func TestApplyRemote_DeleteKeptWhileChildrenRestrict(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, "A-1")
	f.createPayment(t, o.LocalID)
	f.syncAll(t)

	assert.Equal(t, Conflict, f.apply(t, f.set.Orders, remote.Tombstone(100, "t2")))
}

func TestAppliedString(t *testing.T) {
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "applied(42)", Applied(42).String())
}
