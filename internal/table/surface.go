// Package table installs and removes the per-table surface: a view
// presenting the undeleted records for one logical table, and the three
// INSTEAD OF triggers that translate user DML against that view into
// changes rows.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fieldsync/crdtsql/internal/crdterr"
	"github.com/fieldsync/crdtsql/internal/opcode"
)

// validate rejects table names that embed a quote character, since those
// would need escaping wherever the name is spliced into generated SQL as
// both an identifier and a string literal.
func validate(tbl string) error {
	if tbl == "" {
		return &crdterr.ArgumentError{Op: "table", Msg: "table name must not be empty"}
	}
	if strings.ContainsAny(tbl, `'"`) {
		return &crdterr.ArgumentError{Op: "table", Msg: fmt.Sprintf("table name %q contains a quote character", tbl)}
	}
	return nil
}

// quoteIdent quotes tbl as a SQL identifier.
func quoteIdent(tbl string) string {
	return `"` + tbl + `"`
}

// quoteLiteral quotes tbl as a SQL string literal.
func quoteLiteral(tbl string) string {
	return "'" + tbl + "'"
}

// Create builds the view and three INSTEAD OF triggers for tbl, writing new
// changes as nodeID.
func Create(ctx context.Context, db *sql.DB, tbl, nodeID string) error {
	if err := validate(tbl); err != nil {
		return err
	}
	if nodeID == "" {
		return &crdterr.ArgumentError{Op: "table", Msg: "node_id must not be empty"}
	}

	ident := quoteIdent(tbl)
	lit := quoteLiteral(tbl)

	viewSQL := fmt.Sprintf(`
CREATE VIEW IF NOT EXISTS %s AS
SELECT id, data, deleted, hlc, path, op, json(data) AS json, node_id
FROM records
WHERE tbl = %s AND NOT deleted;`, ident, lit)

	insertSQL := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s INSTEAD OF INSERT ON %s
BEGIN
  INSERT INTO changes (pk, tbl, data, op, path, hlc)
  VALUES (
    NEW.id,
    %s,
    jsonb(NEW.data),
    COALESCE(NEW.op, %s),
    COALESCE(NEW.path, '$'),
    COALESCE(NEW.hlc, hlc_now(%s))
  );
END;`, quoteIdent(tbl+"_insert"), ident, lit, sqlLiteral(string(opcode.DefaultInsert)), quoteLiteral(nodeID))

	updateSQL := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s INSTEAD OF UPDATE ON %s
BEGIN
  INSERT INTO changes (pk, tbl, data, op, path, hlc)
  VALUES (
    NEW.id,
    %s,
    jsonb(NEW.data),
    COALESCE(NEW.op, %s),
    COALESCE(NEW.path, '$'),
    COALESCE(NEW.hlc, hlc_now(%s))
  );
END;`, quoteIdent(tbl+"_update"), ident, lit, sqlLiteral(string(opcode.DefaultUpdate)), quoteLiteral(nodeID))

	deleteSQL := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s INSTEAD OF DELETE ON %s
BEGIN
  INSERT INTO changes (pk, tbl, data, op, path, hlc)
  VALUES (OLD.id, %s, NULL, '=', '$', hlc_now(%s));
END;`, quoteIdent(tbl+"_delete"), ident, lit, quoteLiteral(nodeID))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &crdterr.SchemaError{Op: "table.Create", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{viewSQL, insertSQL, updateSQL, deleteSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &crdterr.SchemaError{Op: "table.Create", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &crdterr.SchemaError{Op: "table.Create", Err: err}
	}
	return nil
}

// Remove drops the view and the three triggers for tbl.
func Remove(ctx context.Context, db *sql.DB, tbl string) error {
	if err := validate(tbl); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", quoteIdent(tbl+"_insert")),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", quoteIdent(tbl+"_update")),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", quoteIdent(tbl+"_delete")),
		fmt.Sprintf("DROP VIEW IF EXISTS %s;", quoteIdent(tbl)),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &crdterr.SchemaError{Op: "table.Remove", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &crdterr.SchemaError{Op: "table.Remove", Err: err}
		}
	}

	return tx.Commit()
}

// sqlLiteral quotes s as a single-quoted SQL string literal, doubling any
// embedded quote characters. Used for operator codes, which are a closed,
// trusted vocabulary (internal/opcode), not user input.
func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
