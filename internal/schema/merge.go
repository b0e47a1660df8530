package schema

import (
	"fmt"
	"strings"

	"github.com/fieldsync/crdtsql/internal/opcode"
)

// mergeOps lists every operator the merge trigger's CASE expression branches
// on, in a fixed order so generated SQL is stable across runs.
var mergeOps = []opcode.Op{
	opcode.Set, opcode.Eq, opcode.Insert, opcode.Patch, opcode.Remove, opcode.Replace,
	opcode.Add, opcode.Sub, opcode.Mul, opcode.Div, opcode.Mod,
	opcode.And, opcode.Or, opcode.Concat,
}

// buildDataCase builds the CASE expression that computes the new
// records.data value for a conflicting insert. It is only ever evaluated
// after the caller has already guarded on hlc_compare(NEW.hlc, records.hlc)
// > 0 (via the upsert's DO UPDATE ... WHERE clause), so it does not need to
// repeat that guard; it only has to special-case the NULL-data tombstone
// rule and dispatch on NEW.op.
func buildDataCase() (string, error) {
	var b strings.Builder
	b.WriteString("CASE\n")
	b.WriteString("        WHEN NEW.data IS NULL THEN NULL\n")
	for _, op := range mergeOps {
		expr, err := opcode.ApplyExpr(op, "records.data", "NEW.path", "NEW.data")
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "        WHEN NEW.op = %s THEN %s\n", sqlLiteral(string(op)), expr)
	}
	b.WriteString("        ELSE records.data\n")
	b.WriteString("      END")
	return b.String(), nil
}

// sqlLiteral quotes s as a single-quoted SQL string literal, doubling any
// embedded quote characters.
func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// mergeTriggerSQL returns the CREATE TRIGGER statement for the global
// AFTER INSERT merge trigger. It is the only place in the schema that
// applies a change to a record.
func mergeTriggerSQL() (string, error) {
	dataCase, err := buildDataCase()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS crdt_merge_changes
AFTER INSERT ON changes
BEGIN
  INSERT INTO records (id, tbl, data, hlc, path, op)
  VALUES (NEW.pk, NEW.tbl, jsonb(NEW.data), NEW.hlc, NEW.path, NEW.op)
  ON CONFLICT(id, tbl) DO UPDATE SET
    data = %s,
    hlc  = NEW.hlc,
    path = NEW.path,
    op   = NEW.op
  WHERE hlc_compare(NEW.hlc, records.hlc) > 0;
END;`, dataCase), nil
}
