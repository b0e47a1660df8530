// Package crdtsql provides a last-writer-wins per-field CRDT layer over a
// single embedded SQLite database. Applications write to ordinary-looking
// tables; every mutation is recorded as a timestamped change and
// idempotently folded into a materialized records table, so the same
// records table populated from multiple peers converges regardless of
// delivery order.
package crdtsql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/fieldsync/crdtsql/internal/crdterr"
	"github.com/fieldsync/crdtsql/internal/schema"
	"github.com/fieldsync/crdtsql/internal/sqlfunc"
	"github.com/fieldsync/crdtsql/internal/table"
)

// ArgumentError and SchemaError are re-exported so callers can type-switch
// on these error kinds without reaching into internal packages.
type ArgumentError = crdterr.ArgumentError
type SchemaError = crdterr.SchemaError

// Engine wraps a SQLite connection pool with the CRDT schema installed.
// It is the extension entry point: it registers the HLC host
// functions and owns the global changes/records schema.
type Engine struct {
	db     *sql.DB
	nodeID string
	path   string

	mu      sync.Mutex
	watcher *replicationWatcher
}

// Open opens the SQLite database at path (or an existing one already
// carrying the CRDT schema), registers the HLC scalar functions on the
// driver, and installs the global schema if it isn't present yet. nodeID
// identifies this process's writes for HLC causality; it must be unique
// per writer for convergence to hold.
func Open(ctx context.Context, path, nodeID string) (*Engine, error) {
	if nodeID == "" {
		return nil, &crdterr.ArgumentError{Op: "Open", Msg: "node_id must not be empty"}
	}

	if err := sqlfunc.Register(); err != nil {
		return nil, fmt.Errorf("crdtsql: open: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("crdtsql: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("crdtsql: ping database: %w", err)
	}

	if err := schema.Install(ctx, db, nodeID); err != nil {
		db.Close()
		return nil, fmt.Errorf("crdtsql: install schema: %w", err)
	}

	return &Engine{db: db, nodeID: nodeID, path: path}, nil
}

// DB returns the underlying connection pool for direct queries against the
// changes table, a table view, or anything else the host application owns.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// NodeID returns the node identifier this Engine stamps new HLCs with.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// CreateTable installs the view and INSTEAD OF triggers for tbl, so DML
// against tbl is translated into changes rows and merged by the global
// trigger.
func (e *Engine) CreateTable(ctx context.Context, tbl string) error {
	return table.Create(ctx, e.db, tbl, e.nodeID)
}

// RemoveTable drops the view and triggers for tbl. Existing records for
// tbl are left in place; only the user-facing surface is removed.
func (e *Engine) RemoveTable(ctx context.Context, tbl string) error {
	return table.Remove(ctx, e.db, tbl)
}

// Uninstall drops the entire global CRDT schema: every table surface must
// be removed first by the caller, since the per-table views reference the
// records table this tears down.
func (e *Engine) Uninstall(ctx context.Context) error {
	return schema.Uninstall(ctx, e.db)
}

// Close checkpoints the WAL, stops any replication watcher, and closes the
// underlying connection pool.
func (e *Engine) Close() error {
	e.mu.Lock()
	w := e.watcher
	e.mu.Unlock()
	if w != nil {
		_ = w.stop()
	}

	_, _ = e.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return e.db.Close()
}
