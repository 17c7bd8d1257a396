package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/repo"
	"github.com/roach88/tillsync/internal/testutil"
)

func TestRenderStatus_Golden(t *testing.T) {
	oldest := testutil.Epoch
	pulledAt := testutil.Epoch.Add(time.Hour + 5*time.Second)

	rep := StatusReport{
		Healthy: false,
		Queue: queue.Stats{
			Pending: 2, Synced: 5, Dead: 1, Blocked: 1,
			OldestPending: &oldest,
		},
		Entities: []EntityStatus{
			{Type: entity.TypeOrder, Counts: repo.Counts{Total: 3, Synced: 1, Pending: 1, Dead: 1}},
			{Type: entity.TypePayment, Counts: repo.Counts{Total: 1, Pending: 1}},
			{Type: entity.TypeInventoryAdjustment},
		},
		Watermarks: []queue.Watermark{
			{EntityType: entity.TypeCategory},
			{
				EntityType:          entity.TypeProduct,
				LastSyncedAt:        &pulledAt,
				LastServerTimestamp: "2026-01-01T10:00:00Z",
				FullSyncCompleted:   true,
			},
		},
		Dead: []queue.Entry{{
			ID:            3,
			EntityType:    entity.TypeOrder,
			EntityLocalID: "local-0003",
			Action:        entity.ActionCreate,
			Status:        queue.StatusDead,
			ErrorMessage:  "total mismatch",
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, rep))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "status_text", buf.Bytes())
}
