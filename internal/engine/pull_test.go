package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/testutil"
)

func record(t *testing.T, id int64, localID, updatedAt string, fields map[string]any) remote.Record {
	t.Helper()
	r, err := remote.NewRecord(id, localID, updatedAt, fields)
	require.NoError(t, err)
	return r
}

func productFields(name string, price int) map[string]any {
	return map[string]any{
		"name": name, "price_cents": price, "cost_cents": 100, "stock_qty": 10, "active": true,
	}
}

func TestPull_PagesAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.QueuePage(entity.TypeCustomer, remote.Page{
		Records:         []remote.Record{record(t, 1, "", "t1", map[string]any{"name": "Ann", "balance_cents": 0})},
		ServerTimestamp: "s1",
		HasMore:         true,
	})
	f.remote.QueuePage(entity.TypeCustomer, remote.Page{
		Records:         []remote.Record{record(t, 2, "", "t2", map[string]any{"name": "Bo", "balance_cents": 5})},
		ServerTimestamp: "s2",
	})

	res, err := f.eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, len(entity.PullOrder)+1, res.Pages)

	var since []string
	for _, c := range f.remote.Pulls() {
		if c.EntityType == entity.TypeCustomer {
			since = append(since, c.Since)
		}
	}
	assert.Equal(t, []string{"", "s1"}, since)

	wm, err := f.q.Watermark(ctx, entity.TypeCustomer)
	require.NoError(t, err)
	assert.Equal(t, "s2", wm.LastServerTimestamp)
	assert.True(t, wm.FullSyncCompleted)

	// The next pull asks only for newer changes.
	_, err = f.eng.Pull(ctx)
	require.NoError(t, err)
	pulls := f.remote.Pulls()
	var last testutil.PullCall
	for _, c := range pulls {
		if c.EntityType == entity.TypeCustomer {
			last = c
		}
	}
	assert.Equal(t, "s2", last.Since)
}

func TestPull_ParentsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.QueuePage(entity.TypePayment, remote.Page{
		Records: []remote.Record{record(t, 9, "", "t1", map[string]any{
			"order_id": 4, "method": "card", "amount_cents": 100,
		})},
		ServerTimestamp: "s1",
	})
	f.remote.QueuePage(entity.TypeOrder, remote.Page{
		Records: []remote.Record{record(t, 4, "", "t1", map[string]any{
			"number": "R-1", "status": "open", "subtotal_cents": 100, "tax_cents": 0, "total_cents": 100,
		})},
		ServerTimestamp: "s1",
	})

	res, err := f.eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.Orphans)

	var order []string
	for _, c := range f.remote.Pulls() {
		order = append(order, c.EntityType)
	}
	assert.Equal(t, entity.PullOrder, order)
}

// A product created offline and then edited keeps its local edits when a
// pull brings a remote version of the same row.
func TestPull_LocalPendingEditWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProduct(t, "Tea")

	// Echo of the unsent create, matched by local id.
	f.remote.QueuePage(entity.TypeProduct, remote.Page{
		Records:         []remote.Record{record(t, 7, p.LocalID, "t1", productFields("Remote tea", 999))},
		ServerTimestamp: "s1",
	})
	res, err := f.eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	got, err := f.set.Products.FindByLocalID(ctx, p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "Tea", got.Name)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)
	assert.Nil(t, got.ID)

	// Once synced, edit locally and pull a remote update for the same id.
	f.drain(t)
	synced, err := f.set.Products.FindByLocalID(ctx, p.LocalID)
	require.NoError(t, err)
	require.NotNil(t, synced.ID)
	serverID := *synced.ID

	_, err = f.set.Products.Update(ctx, p.LocalID, func(v *entity.Product) error {
		v.PriceCents = 300
		return nil
	})
	require.NoError(t, err)

	f.remote.QueuePage(entity.TypeProduct, remote.Page{
		Records:         []remote.Record{record(t, serverID, p.LocalID, "t2", productFields("Tea", 275))},
		ServerTimestamp: "s2",
	})
	res, err = f.eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Updated)

	got, err = f.set.Products.FindByLocalID(ctx, p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.PriceCents)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)

	wm, err := f.q.Watermark(ctx, entity.TypeProduct)
	require.NoError(t, err)
	assert.Equal(t, "s2", wm.LastServerTimestamp, "skipped records still advance the watermark")

	// After the edit syncs, later remote changes apply again.
	f.drain(t)
	f.remote.QueuePage(entity.TypeProduct, remote.Page{
		Records:         []remote.Record{record(t, serverID, p.LocalID, "t3", productFields("Tea", 310))},
		ServerTimestamp: "s3",
	})
	res, err = f.eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err = f.set.Products.FindByLocalID(ctx, p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(310), got.PriceCents)
	assert.Equal(t, entity.StatusSynced, got.SyncStatus)
}

func TestPull_FailureKeepsWatermarkAndOtherTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.FailPull(entity.TypeCustomer, apperr.Transient(503, errors.New("unavailable")))
	f.remote.QueuePage(entity.TypeCategory, remote.Page{
		Records:         []remote.Record{record(t, 1, "", "t1", map[string]any{"name": "Drinks", "position": 0})},
		ServerTimestamp: "s1",
	})

	res, err := f.eng.Pull(ctx)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 1, res.Inserted)

	wm, err := f.q.Watermark(ctx, entity.TypeCustomer)
	require.NoError(t, err)
	assert.False(t, wm.FullSyncCompleted)
	wm, err = f.q.Watermark(ctx, entity.TypeCategory)
	require.NoError(t, err)
	assert.Equal(t, "s1", wm.LastServerTimestamp)
}

func TestPull_BadPageRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := record(t, 1, "", "t1", map[string]any{"name": "Ann", "balance_cents": 0})
	bad := remote.Record{ID: 2, UpdatedAt: "t1", Raw: []byte(`{"id":2,"name":17}`)}
	f.remote.QueuePage(entity.TypeCustomer, remote.Page{
		Records:         []remote.Record{good, bad},
		ServerTimestamp: "s1",
	})

	res, err := f.eng.Pull(ctx)
	require.Error(t, err)
	assert.Zero(t, res.Inserted)

	c, err := f.set.Customers.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Total)
	wm, err := f.q.Watermark(ctx, entity.TypeCustomer)
	require.NoError(t, err)
	assert.Empty(t, wm.LastServerTimestamp)
}

func TestPull_StuckPagingStops(t *testing.T) {
	f := newFixture(t, WithPullTypes(entity.TypeCustomer))
	f.remote.QueuePage(entity.TypeCustomer, remote.Page{HasMore: true})

	_, err := f.eng.Pull(context.Background())
	assert.ErrorContains(t, err, "no progress")
	assert.Len(t, f.remote.Pulls(), 1)
}

func TestPull_OfflineAndBusy(t *testing.T) {
	f := newFixture(t, WithPullTypes(entity.TypeCustomer, entity.TypeOrder))

	f.eng.SetOnline(false)
	res, err := f.eng.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, f.remote.Pulls())

	f.eng.SetOnline(true)
	f.eng.pullLocks[entity.TypeCustomer].Lock()
	res, err = f.eng.Pull(context.Background())
	f.eng.pullLocks[entity.TypeCustomer].Unlock()
	require.NoError(t, err)
	assert.Equal(t, []string{entity.TypeCustomer}, res.Busy)
	assert.Equal(t, []testutil.PullCall{{EntityType: entity.TypeOrder}}, f.remote.Pulls())
}
