package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be bound as parameters, so only these are interpolated.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the database and
// returns the failures. "@alias" values in where clauses are resolved
// through localIDs.
func EvaluateAssertions(ctx context.Context, db *store.DB, localIDs map[string]string, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(ctx, db, localIDs, a)
		case AssertRowAbsent:
			err = assertRowAbsent(ctx, db, localIDs, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// assertFinalState checks that exactly one row matches the where clause and
// that it carries the expected values (subset semantics).
func assertFinalState(ctx context.Context, db *store.DB, localIDs map[string]string, a Assertion) error {
	rows, columns, err := queryRows(ctx, db, localIDs, a)
	if err != nil {
		return err
	}
	whereDesc := formatWhereClause(a.Where)

	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	row := rows[0]
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := resolveAlias(localIDs, a.Expect[key])
		got, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v (type %T)", a.Table, key, want, want),
				Actual:   fmt.Sprintf("%s.%s = %v (type %T)", a.Table, key, got, got),
			}
		}
	}
	return nil
}

// assertRowAbsent checks that no row matches the where clause.
func assertRowAbsent(ctx context.Context, db *store.DB, localIDs map[string]string, a Assertion) error {
	rows, _, err := queryRows(ctx, db, localIDs, a)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return &AssertionError{
			Type:     AssertRowAbsent,
			Expected: fmt.Sprintf("no row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

func queryRows(ctx context.Context, db *store.DB, localIDs map[string]string, a Assertion) ([]map[string]any, []string, error) {
	if !validIdentifier.MatchString(a.Table) {
		return nil, nil, fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(localIDs, a.Where)
	if err != nil {
		return nil, nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	rows, err := db.SQL().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, nil, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("get columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, columns, rows.Err()
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism; a nil value matches NULL.
func buildWhereClause(localIDs map[string]string, where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		v := resolveAlias(localIDs, where[key])
		if v == nil {
			clauses = append(clauses, key+" IS NULL")
			continue
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, toSQLValue(v))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// resolveAlias replaces an "@alias" string by the alias's local id.
func resolveAlias(localIDs map[string]string, v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "@") {
		if id, ok := localIDs[s[1:]]; ok {
			return id
		}
	}
	return v
}

// toSQLValue converts a YAML scalar to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected YAML value with a scanned SQLite
// value. SQLite returns integers as int64, booleans as 0/1 and text as
// string or []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		got, ok := actual.(string)
		return ok && exp == got
	case int:
		got, ok := actual.(int64)
		return ok && int64(exp) == got
	case int64:
		got, ok := actual.(int64)
		return ok && exp == got
	case bool:
		if got, ok := actual.(bool); ok {
			return exp == got
		}
		got, ok := actual.(int64)
		return ok && exp == (got != 0)
	}
	return reflect.DeepEqual(expected, actual)
}
