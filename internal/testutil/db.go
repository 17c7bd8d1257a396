package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/store"
)

// OpenDB opens a fully migrated database in t's temp dir and closes it when
// the test ends.
func OpenDB(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tillsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
