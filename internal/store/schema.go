package store

import "fmt"

// ColumnType names the handful of column kinds the builder API understands.
// Unknown types are rejected at Define time, not at first use.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeJSON
	TypeTime
)

func (t ColumnType) sqlType() string {
	switch t {
	case TypeInt:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeBool:
		return "INTEGER"
	case TypeJSON:
		return "TEXT"
	case TypeTime:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// Column is one explicit column constructor in a record definition. This is
// the typed builder API that replaces a method_missing-style schema DSL:
// unknown column types are a compile error, not a runtime surprise.
type Column struct {
	Name     string
	Type     ColumnType
	NotNull  bool
	Default  any
	Unique   bool
}

// Behavior is a callback contributed to a record definition. Behaviors from
// every Define call for the same record name are concatenated, in call
// order, and run (via BehaviorHooks) around create/update.
type Behavior struct {
	// AfterCreate, if set, runs after a row of this record type is created
	// inside the same transaction as the insert.
	AfterCreate func(tx *Tx, row *Row) error
	// AfterUpdate, if set, runs after a row of this record type is updated
	// inside the same transaction as the update.
	AfterUpdate func(tx *Tx, row *Row) error
}

// RecordDef declares (a slice of) the schema and behavior contributed for a
// record name. Multiple RecordDefs for the same Name are additive: their
// Columns slices are unioned by column name (first writer wins the type,
// duplicates are ignored) and their Behaviors are concatenated in
// declaration order.
type RecordDef struct {
	Name       string
	Table      string // defaults to Name + "s" if empty
	Columns    []Column
	Behaviors  []Behavior
}

func (d RecordDef) tableName() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Name + "s"
}

// recordClass is the materialized, merged form of every RecordDef
// registered for a given name — the "generic record handle" the design
// notes call for: one typed schema plus a vtable of behavior extensions,
// looked up by name and queried per operation.
type recordClass struct {
	name      string
	table     string
	columns   []Column
	columnIdx map[string]Column
	behaviors []Behavior
}

func mergeRecordDefs(defs []RecordDef) (map[string]*recordClass, error) {
	classes := make(map[string]*recordClass)
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("record definition missing Name")
		}
		cls, ok := classes[d.Name]
		if !ok {
			cls = &recordClass{
				name:      d.Name,
				table:     d.tableName(),
				columnIdx: make(map[string]Column),
			}
			classes[d.Name] = cls
		}
		for _, c := range d.Columns {
			if _, seen := cls.columnIdx[c.Name]; seen {
				continue
			}
			cls.columnIdx[c.Name] = c
			cls.columns = append(cls.columns, c)
		}
		cls.behaviors = append(cls.behaviors, d.Behaviors...)
	}
	return classes, nil
}

// Migration is one opaque, idempotent-by-version DDL step. Version is a
// string so both auto-generated "table_<name>" schema migrations and
// explicit caller migrations share one ledger and one ordering rule:
// schema-derived migrations are always prepended. Checksum is hashed from
// the migration's actual DDL text (or whatever content a caller-authored
// migration supplies) rather than from Version, so a migration whose
// identity string stays the same but whose real effect changed is caught
// at Open instead of silently re-skipped. A caller migration that leaves
// Checksum empty gets no such protection — runMigrations falls back to
// hashing Version for it, which can never detect a changed Up closure.
type Migration struct {
	Version  string
	Checksum string
	Up       func(tx *Tx) error
}

func schemaMigrationFor(cls *recordClass) Migration {
	stmt := createTableSQL(cls)
	return Migration{
		Version:  "table_" + cls.name,
		Checksum: checksumOf(stmt),
		Up: func(tx *Tx) error {
			_, err := tx.sqlTx.ExecContext(tx.ctx, stmt)
			return err
		},
	}
}

func createTableSQL(cls *recordClass) string {
	stmt := "CREATE TABLE IF NOT EXISTS " + cls.table + " (\n" +
		"  id INTEGER PRIMARY KEY AUTOINCREMENT,\n"
	for _, c := range cls.columns {
		stmt += "  " + c.Name + " " + c.Type.sqlType()
		if c.NotNull {
			stmt += " NOT NULL"
		}
		if c.Unique {
			stmt += " UNIQUE"
		}
		stmt += ",\n"
	}
	stmt += "  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,\n"
	stmt += "  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP\n"
	stmt += ")"
	return stmt
}
