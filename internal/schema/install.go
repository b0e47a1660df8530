// Package schema installs and removes the global CRDT schema: the
// append-only changes log, the materialized records table, the crdt_kv
// scratch table, and the single AFTER INSERT trigger that folds changes
// into records.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldsync/crdtsql/internal/sqlfunc"
)

const createChanges = `
CREATE TABLE IF NOT EXISTS changes (
	id      TEXT PRIMARY KEY DEFAULT (hlc_now(uuid())),
	pk      TEXT NOT NULL,
	tbl     TEXT NOT NULL,
	data    BLOB,
	path    TEXT NOT NULL DEFAULT '$',
	op      TEXT NOT NULL DEFAULT 'set',
	hlc     TEXT NOT NULL,
	deleted INTEGER GENERATED ALWAYS AS (data IS NULL) VIRTUAL,
	node_id TEXT GENERATED ALWAYS AS (hlc_node_id(hlc)) VIRTUAL
);`

const createRecords = `
CREATE TABLE IF NOT EXISTS records (
	id      TEXT NOT NULL,
	tbl     TEXT NOT NULL,
	data    BLOB,
	hlc     TEXT NOT NULL,
	path    TEXT NOT NULL DEFAULT '$',
	op      TEXT NOT NULL DEFAULT 'set',
	deleted INTEGER GENERATED ALWAYS AS (data IS NULL) VIRTUAL,
	node_id TEXT GENERATED ALWAYS AS (hlc_node_id(hlc)) VIRTUAL,
	PRIMARY KEY (id, tbl)
);`

const createKV = `
CREATE TABLE IF NOT EXISTS crdt_kv (
	key   TEXT PRIMARY KEY ON CONFLICT REPLACE,
	value TEXT
);`

const dropTrigger = `DROP TRIGGER IF EXISTS crdt_merge_changes;`
const dropChanges = `DROP TABLE IF EXISTS changes;`
const dropRecords = `DROP TABLE IF EXISTS records;`
const dropKV = `DROP TABLE IF EXISTS crdt_kv;`

// Install creates the global schema idempotently inside a single
// transaction. nodeID is accepted for symmetry with crdt_install(node_id)
// and future causal-metadata seeding, but the current schema does not
// itself persist it — node identity is carried per-HLC, not globally.
func Install(ctx context.Context, db *sql.DB, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("schema: install: node_id must not be empty")
	}
	if err := sqlfunc.Register(); err != nil {
		return fmt.Errorf("schema: install: %w", err)
	}

	triggerSQL, err := mergeTriggerSQL()
	if err != nil {
		return fmt.Errorf("schema: install: build merge trigger: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: install: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{createChanges, createRecords, createKV, triggerSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: install: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: install: commit: %w", err)
	}
	return nil
}

// Uninstall drops the trigger and all three global tables, in that order,
// inside a single transaction.
func Uninstall(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: uninstall: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{dropTrigger, dropChanges, dropRecords, dropKV} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: uninstall: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: uninstall: commit: %w", err)
	}
	return nil
}
