package types

// ColumnDef defines a single column in a table schema.
type ColumnDef struct {
	// Type is the declared column type, e.g. STRING, INT64, DOUBLE.
	Type string `json:"type"`

	// Default is the optional DEFAULT literal, nil when absent.
	Default interface{} `json:"default,omitempty"`
}

// TableSchema is the projected schema of one table.
type TableSchema struct {
	// Columns maps column name to definition.
	Columns map[string]ColumnDef `json:"columns"`

	// Comment is the free-text table comment, empty when unset.
	Comment string `json:"comment,omitempty"`
}

// Clone returns a deep copy of the table schema.
func (t TableSchema) Clone() TableSchema {
	cols := make(map[string]ColumnDef, len(t.Columns))
	for name, def := range t.Columns {
		cols[name] = def
	}
	return TableSchema{Columns: cols, Comment: t.Comment}
}

// SchemaVersion is the per-replica projection of all applied DDL operations.
// Version increments exactly once per DDL application that produced an
// observable change; no-op DDL leaves it untouched.
type SchemaVersion struct {
	Version    int                    `json:"version"`
	Operations []string               `json:"operations"`
	Tables     map[string]TableSchema `json:"tables"`
}

// Clone returns a deep copy of the schema version.
func (s SchemaVersion) Clone() SchemaVersion {
	ops := make([]string, len(s.Operations))
	copy(ops, s.Operations)
	tables := make(map[string]TableSchema, len(s.Tables))
	for name, table := range s.Tables {
		tables[name] = table.Clone()
	}
	return SchemaVersion{Version: s.Version, Operations: ops, Tables: tables}
}
