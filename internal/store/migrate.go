package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/apperr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one versioned schema change. Up runs inside a transaction
// owned by the runner and must not commit or roll back itself.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// AppliedMigration is a row of the _migrations table.
type AppliedMigration struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS _migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// BuiltinMigrations loads the embedded migrations/NNNN_name.sql files.
func BuiltinMigrations() ([]Migration, error) {
	return loadSQLMigrations(migrationFS, "migrations")
}

func loadSQLMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var ms []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: expected NNNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", e.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		ms = append(ms, SQLMigration(version, name, string(body)))
	}
	return ms, nil
}

// SQLMigration builds a Migration that executes a SQL script.
func SQLMigration(version int, name, script string) Migration {
	return Migration{
		Version: version,
		Name:    name,
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, script)
			return err
		},
	}
}

// Migrate applies the built-in migrations.
func (d *DB) Migrate(ctx context.Context) ([]int, error) {
	ms, err := BuiltinMigrations()
	if err != nil {
		return nil, err
	}
	return d.RunMigrations(ctx, ms)
}

// RunMigrations applies every migration whose version is not yet recorded in
// _migrations, in ascending version order, each in its own transaction.
// The version row is written in the same transaction as the migration, so a
// failed migration leaves no trace and is retried from scratch next time.
//
// Safe to call on every start: already-applied versions are skipped without
// running Up. Returns the versions applied by this call.
func (d *DB) RunMigrations(ctx context.Context, ms []Migration) ([]int, error) {
	if _, err := d.db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, apperr.Migration(0, fmt.Errorf("create _migrations: %w", err))
	}

	sorted := slices.Clone(ms)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, apperr.Migration(sorted[i].Version, fmt.Errorf("duplicate migration version"))
		}
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return nil, apperr.Migration(0, err)
	}

	var ran []int
	for _, m := range sorted {
		if applied[m.Version] {
			continue
		}
		err := d.WithTx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return ran, apperr.Migration(m.Version, err)
		}
		slog.Debug("migration applied", "version", m.Version, "name", m.Name)
		ran = append(ran, m.Version)
	}
	return ran, nil
}

// AppliedMigrations lists recorded migrations in version order.
func (d *DB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT version, name, applied_at FROM _migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query _migrations: %w", err)
	}
	defer rows.Close()

	out := []AppliedMigration{}
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan _migrations: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query _migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan _migrations: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
