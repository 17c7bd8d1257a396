package queue

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

var testConfig = Config{
	MaxRetries:  3,
	BackoffBase: time.Second,
	BackoffCap:  time.Minute,
}

type fixture struct {
	db    *store.DB
	q     *Queue
	clock *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := testutil.NewFakeClock(time.Time{})
	return &fixture{
		db:    db,
		q:     New(db, WithConfig(testConfig), WithClock(clk)),
		clock: clk,
	}
}

// insertOrder writes a bare pending order row.
func (f *fixture) insertOrder(t *testing.T, localID string) {
	t.Helper()
	_, err := f.db.SQL().Exec(`INSERT INTO orders (local_id, created_at, updated_at, number)
		VALUES (?, ?, ?, ?)`, localID, "2026-01-01T00:00:00.000000000Z", "2026-01-01T00:00:00.000000000Z", "N-"+localID)
	require.NoError(t, err)
}

func (f *fixture) insertPayment(t *testing.T, localID, orderLocalID string) {
	t.Helper()
	_, err := f.db.SQL().Exec(`INSERT INTO payments (local_id, created_at, updated_at, order_local_id, method, amount_cents)
		VALUES (?, ?, ?, ?, 'cash', 500)`, localID, "2026-01-01T00:00:00.000000000Z", "2026-01-01T00:00:00.000000000Z", orderLocalID)
	require.NoError(t, err)
}

func (f *fixture) entityStatus(t *testing.T, table, localID string) string {
	t.Helper()
	var s string
	require.NoError(t, f.db.SQL().QueryRow(`SELECT sync_status FROM `+table+` WHERE local_id = ?`, localID).Scan(&s))
	return s
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.SQL().QueryRow(query, args...).Scan(&n))
	return n
}

func createReq(entityType, localID string, dependsOn string) Request {
	d, _ := entity.Lookup(entityType)
	return Request{
		EntityType:    entityType,
		EntityLocalID: localID,
		Action:        entity.ActionCreate,
		Endpoint:      d.Endpoint,
		Method:        http.MethodPost,
		Payload:       []byte(fmt.Sprintf(`{"local_id":%q,"revision":1,"fields":{"n":1}}`, localID)),
		DependsOn:     dependsOn,
	}
}

func (f *fixture) enqueue(t *testing.T, req Request) Entry {
	t.Helper()
	e, inserted, err := f.q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.True(t, inserted)
	return e
}

func ids(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func i64(n int64) *int64 { return &n }
