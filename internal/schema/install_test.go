package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Fatalf("ping database: %v", err)
	}
	return db
}

func TestInstallCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	tables := []string{"changes", "records", "crdt_kv"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var trigger string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='trigger' AND name='crdt_merge_changes'").Scan(&trigger)
	if err != nil {
		t.Errorf("merge trigger not found: %v", err)
	}

	// Install is idempotent.
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("second Install failed: %v", err)
	}
}

func TestUninstallDropsSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := Uninstall(ctx, db); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}

	for _, table := range []string{"changes", "records", "crdt_kv"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != sql.ErrNoRows {
			t.Errorf("expected table %s to be gone, err=%v", table, err)
		}
	}
}

func insertChange(t *testing.T, db *sql.DB, pk, tbl, data, path, op, hlcText string) {
	t.Helper()
	var args []interface{}
	var dataArg interface{}
	if data == "" {
		dataArg = nil
	} else {
		dataArg = data
	}
	args = append(args, pk, tbl, dataArg, path, op, hlcText)
	_, err := db.Exec(
		`INSERT INTO changes (pk, tbl, data, path, op, hlc) VALUES (?, ?, jsonb(?), ?, ?, ?)`,
		args...,
	)
	if err != nil {
		t.Fatalf("insert change failed: %v", err)
	}
}

func recordData(t *testing.T, db *sql.DB, pk, tbl string) (string, bool) {
	t.Helper()
	var data sql.NullString
	err := db.QueryRow(`SELECT json(data) FROM records WHERE id = ? AND tbl = ?`, pk, tbl).Scan(&data)
	if err != nil {
		t.Fatalf("query record failed: %v", err)
	}
	return data.String, data.Valid
}

// TestScenarioS3LWW applies the lower-HLC change first, then the
// higher-HLC change, and expects the higher one to win.
func TestScenarioS3LWW(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	insertChange(t, db, "u1", "users", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")
	insertChange(t, db, "u1", "users", `{"name":"B"}`, "$", "set", "2024-01-01T00:00:00.000-0001-n1")

	data, ok := recordData(t, db, "u1", "users")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if data != `{"name":"B"}` {
		t.Errorf("S3: got %s, want {\"name\":\"B\"}", data)
	}
}

// TestScenarioS4OutOfOrder is S3 with insertion order reversed; the
// converged state must be identical.
func TestScenarioS4OutOfOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	insertChange(t, db, "u1", "users", `{"name":"B"}`, "$", "set", "2024-01-01T00:00:00.000-0001-n1")
	insertChange(t, db, "u1", "users", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")

	data, ok := recordData(t, db, "u1", "users")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if data != `{"name":"B"}` {
		t.Errorf("S4: got %s, want {\"name\":\"B\"}", data)
	}
}

// TestScenarioS5Arithmetic applies a '+' op to a scalar field.
func TestScenarioS5Arithmetic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	insertChange(t, db, "c1", "counters", `{"n":5}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")
	insertChange(t, db, "c1", "counters", `3`, "$.n", "+", "2024-01-01T00:00:00.000-0001-n1")

	data, ok := recordData(t, db, "c1", "counters")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if data != `{"n":8}` {
		t.Errorf("S5: got %s, want {\"n\":8}", data)
	}
}

// TestScenarioS6TombstoneDominance: a tombstone at t2 followed by a set at
// an earlier t1 must leave the record tombstoned.
func TestScenarioS6TombstoneDominance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	insertChange(t, db, "u1", "users", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")
	insertChange(t, db, "u1", "users", "", "$", "=", "2024-01-01T00:00:00.000-0002-n1")
	insertChange(t, db, "u1", "users", `{"name":"C"}`, "$", "set", "2024-01-01T00:00:00.000-0001-n1")

	var data sql.NullString
	err := db.QueryRow(`SELECT json(data) FROM records WHERE id = ? AND tbl = ?`, "u1", "users").Scan(&data)
	if err != nil {
		t.Fatalf("query record failed: %v", err)
	}
	if data.Valid {
		t.Errorf("S6: expected tombstone (NULL data), got %s", data.String)
	}
}

// TestIdempotentReplay: replaying the exact same change row leaves records
// unchanged.
func TestIdempotentReplay(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Install(ctx, db, "n1"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	insertChange(t, db, "u1", "users", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")
	first, _ := recordData(t, db, "u1", "users")

	insertChange(t, db, "u1", "users", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1")
	second, _ := recordData(t, db, "u1", "users")

	if first != second {
		t.Errorf("replay changed record: %s -> %s", first, second)
	}
}

// TestConvergence applies the same set of changes in two different
// insertion orders against two fresh databases and checks the resulting
// records converge.
func TestConvergence(t *testing.T) {
	type change struct {
		pk, data, path, op, hlcText string
	}
	// All three writes replace the whole document (path "$"), so whichever
	// one happens to arrive first establishes the baseline record via the
	// no-conflict INSERT branch (which takes the incoming data verbatim)
	// and every later write's jsonb_set(existing, '$', new) replaces that
	// baseline wholesale — so the highest-HLC change wins the same way no
	// matter which change is first, mirroring convergence under any delivery order.
	changes := []change{
		{"u1", `{"name":"A"}`, "$", "set", "2024-01-01T00:00:00.000-0000-n1"},
		{"u1", `{"name":"A","age":30}`, "$", "set", "2024-01-01T00:00:00.000-0001-n1"},
		{"u1", `{"name":"B","age":30}`, "$", "set", "2024-01-01T00:00:00.000-0002-n2"},
	}

	run := func(order []int) string {
		db := openTestDB(t)
		ctx := context.Background()
		if err := Install(ctx, db, "n1"); err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		for _, i := range order {
			c := changes[i]
			insertChange(t, db, c.pk, "users", c.data, c.path, c.op, c.hlcText)
		}
		data, _ := recordData(t, db, "u1", "users")
		return data
	}

	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 0, 2},
	}
	var results []string
	for _, order := range orders {
		results = append(results, run(order))
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Errorf("convergence failed: order %v gave %s, order %v gave %s",
				orders[0], results[0], orders[i], results[i])
		}
	}
}
