package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tombee/foreman/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenAndPing(t *testing.T) {
	st := openTestStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if st.Dialect().Name() != "sqlite" {
		t.Errorf("dialect = %s, want sqlite", st.Dialect().Name())
	}
}

func TestMigrateIdempotent(t *testing.T) {
	st := openTestStore(t)
	// Open already migrated; a second run must not fail.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestTablesExist(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tables := []string{
		store.TableExecutions,
		store.TableExecutionEvents,
		store.TableDeadLetters,
		store.TableConcurrencyLocks,
		store.TableSchedules,
		store.TableScheduleRuns,
		store.TableScheduleLocks,
	}
	for _, table := range tables {
		var name string
		err := st.DB().QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRebindPassthrough(t *testing.T) {
	st := openTestStore(t)
	q := "SELECT 1 WHERE ? = ?"
	if got := st.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed the query: %q", got)
	}
}

func TestEventIDAutoIncrements(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insert := st.Rebind("INSERT INTO " + store.TableExecutionEvents +
		" (run_id, event_type, timestamp) VALUES (?, ?, ?)")
	for i := 0; i < 3; i++ {
		if _, err := st.DB().ExecContext(ctx, insert, "run-1", "created", "2025-01-01T00:00:00.000000000Z"); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	rows, err := st.DB().QueryContext(ctx,
		"SELECT id FROM "+store.TableExecutionEvents+" ORDER BY id")
	if err != nil {
		t.Fatalf("select events: %v", err)
	}
	defer rows.Close()

	var prev int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if id <= prev {
			t.Errorf("ids not strictly increasing: %d after %d", id, prev)
		}
		prev = id
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if prev == 0 {
		t.Fatal("no events read back")
	}
}
