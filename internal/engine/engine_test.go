package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/repo"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

type fixture struct {
	db     *store.DB
	q      *queue.Queue
	set    *repo.Set
	remote *testutil.ScriptedRemote
	clock  *testutil.FakeClock
	eng    *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := testutil.NewFakeClock(testutil.Epoch)
	q := queue.New(db,
		queue.WithClock(clk),
		queue.WithConfig(queue.Config{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute}),
	)
	set := repo.NewSet(db, q, repo.WithIDGenerator(testutil.NewSequenceIDGenerator("local")))
	rem := testutil.NewScriptedRemote()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return &fixture{
		db:     db,
		q:      q,
		set:    set,
		remote: rem,
		clock:  clk,
		eng:    New(db, q, set, rem, opts...),
	}
}

func (f *fixture) createOrder(t *testing.T, number string) *entity.Order {
	t.Helper()
	o, err := f.set.Orders.Create(context.Background(), entity.Order{
		Number: number, Status: "open", SubtotalCents: 1000, TaxCents: 80, TotalCents: 1080,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) createPayment(t *testing.T, orderLocalID string) *entity.Payment {
	t.Helper()
	p, err := f.set.Payments.Create(context.Background(), entity.Payment{
		OrderLocalID: orderLocalID, Method: "cash", AmountCents: 1080,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) createProduct(t *testing.T, name string) *entity.Product {
	t.Helper()
	p, err := f.set.Products.Create(context.Background(), entity.Product{
		Name: name, PriceCents: 250, CostCents: 100, StockQty: 10, Active: true,
	})
	require.NoError(t, err)
	return p
}

// key returns the idempotency key of the n-th queue entry of an entity.
func (f *fixture) key(t *testing.T, localID string, n int) string {
	t.Helper()
	es, err := f.q.List(context.Background(), queue.Filter{EntityLocalID: localID})
	require.NoError(t, err)
	require.Greater(t, len(es), n)
	return es[n].IdempotencyKey
}

func (f *fixture) drain(t *testing.T) DrainResult {
	t.Helper()
	res, err := f.eng.Drain(context.Background())
	require.NoError(t, err)
	return res
}

func TestSetOnline_TriggersOnReconnect(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.eng.Online())

	f.eng.SetOnline(false)
	assert.False(t, f.eng.Online())
	select {
	case <-f.eng.wake.C():
		t.Fatal("going offline must not trigger")
	default:
	}

	f.eng.SetOnline(true)
	f.eng.SetOnline(true)
	select {
	case <-f.eng.wake.C():
	default:
		t.Fatal("coming back online must trigger")
	}
	select {
	case <-f.eng.wake.C():
		t.Fatal("triggers coalesce")
	default:
	}
}

func TestStartOffline(t *testing.T) {
	f := newFixture(t, StartOffline())
	assert.False(t, f.eng.Online())
}

func TestRun_RecoversAndSyncsOnTrigger(t *testing.T) {
	f := newFixture(t, WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A row left processing by a crash.
	first := f.createOrder(t, "A-1")
	es, err := f.q.List(ctx, queue.Filter{EntityLocalID: first.LocalID})
	require.NoError(t, err)
	claimed, err := f.q.MarkProcessing(ctx, es[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	synced := func(localID string) func() bool {
		return func() bool {
			o, err := f.set.Orders.FindByLocalID(context.Background(), localID)
			return err == nil && o.SyncStatus == entity.StatusSynced
		}
	}
	assert.Eventually(t, synced(first.LocalID), 5*time.Second, 10*time.Millisecond)

	second := f.createOrder(t, "A-2")
	f.eng.Trigger()
	assert.Eventually(t, synced(second.LocalID), 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StaysIdleWhileOffline(t *testing.T) {
	f := newFixture(t, WithInterval(time.Hour), StartOffline())
	ctx, cancel := context.WithCancel(context.Background())

	o := f.createOrder(t, "A-1")
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.eng.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.remote.Calls())

	f.eng.SetOnline(true)
	assert.Eventually(t, func() bool {
		got, err := f.set.Orders.FindByLocalID(context.Background(), o.LocalID)
		return err == nil && got.SyncStatus == entity.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
