package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if d.Path() != path {
		t.Errorf("Path() = %q, want %q", d.Path(), path)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		d, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		d.Close()
	}

	d, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer d.Close()

	tables := []string{
		"categories", "products", "customers", "orders", "order_items", "payments",
		"inventory_adjustments", "ledger_entries", "admin_users",
		"sync_queue", "sync_meta", "_migrations",
	}
	for _, table := range tables {
		var name string
		err := d.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	d := openTestDB(t)

	checks := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, want := range checks {
		if err := d.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}

	var nilDB *DB
	if err := nilDB.Close(); err != nil {
		t.Fatalf("nil Close() failed: %v", err)
	}
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_meta (entity_type) VALUES ('product')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	if n := countRows(t, d, "sync_meta"); n != 1 {
		t.Errorf("sync_meta rows = %d, want 1", n)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sync_meta (entity_type) VALUES ('product')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want %v", err, boom)
	}

	if n := countRows(t, d, "sync_meta"); n != 0 {
		t.Errorf("sync_meta rows = %d after rollback, want 0", n)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = d.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sync_meta (entity_type) VALUES ('product')`); err != nil {
				return err
			}
			panic("crash between writes")
		})
	}()

	if n := countRows(t, d, "sync_meta"); n != 0 {
		t.Errorf("sync_meta rows = %d after panic, want 0", n)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	d := openTestDB(t)

	_, err := d.db.Exec(`INSERT INTO order_items
		(local_id, created_at, updated_at, order_local_id, quantity, unit_price_cents, total_cents)
		VALUES ('i1', 'x', 'x', 'missing-order', 1, 100, 100)`)
	if err == nil {
		t.Fatal("expected foreign key violation for orphan order item")
	}
}

func TestServerIDUnique(t *testing.T) {
	d := openTestDB(t)

	insert := `INSERT INTO categories (local_id, id, created_at, updated_at, name) VALUES (?, 7, 'x', 'x', 'Drinks')`
	if _, err := d.db.Exec(insert, "c1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := d.db.Exec(insert, "c2"); err == nil {
		t.Fatal("expected unique violation for duplicate server id")
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := FormatTime(base)
	b := FormatTime(base.Add(time.Nanosecond))
	c := FormatTime(base.Add(time.Second))
	if !(a < b && b < c) {
		t.Errorf("timestamps not lexically ordered: %q %q %q", a, b, c)
	}
	if len(a) != len(c) {
		t.Errorf("timestamps not fixed width: %q %q", a, c)
	}

	parsed, err := ParseTime(b)
	if err != nil {
		t.Fatalf("ParseTime() failed: %v", err)
	}
	if !parsed.Equal(base.Add(time.Nanosecond)) {
		t.Errorf("ParseTime() = %v, want %v", parsed, base.Add(time.Nanosecond))
	}
}

func TestNullTime(t *testing.T) {
	got, err := NullTime(sql.NullString{})
	if err != nil || got != nil {
		t.Fatalf("NullTime(null) = %v, %v", got, err)
	}
	got, err = NullTime(sql.NullString{String: "2026-03-01T09:00:00.000000000Z", Valid: true})
	if err != nil || got == nil {
		t.Fatalf("NullTime(valid) = %v, %v", got, err)
	}
}
