// Package schema maintains the per-replica projection of applied DDL
// operations: tables, columns, comments and the schema version counter.
package schema

import (
	"github.com/rs/zerolog/log"

	"github.com/causalite/causalite/internal/ddl"
	"github.com/causalite/causalite/pkg/types"
)

// ChangeHandler observes schema versions after each observable change.
type ChangeHandler func(types.SchemaVersion)

// Registry is the in-memory schema projection. It is mutated only by the
// dependency resolver when DDL operations commit; version increments
// exactly once per DDL application that produced an observable change.
//
// Registry is not safe for concurrent use; the resolver owns it.
type Registry struct {
	state    types.SchemaVersion
	handlers []ChangeHandler
}

// NewRegistry creates an empty registry at version 0.
func NewRegistry() *Registry {
	return &Registry{
		state: types.SchemaVersion{
			Tables: make(map[string]types.TableSchema),
		},
	}
}

// Version returns a deep copy of the current schema version.
func (r *Registry) Version() types.SchemaVersion {
	return r.state.Clone()
}

// Table returns a copy of one table's schema and whether it exists.
func (r *Registry) Table(name string) (types.TableSchema, bool) {
	table, ok := r.state.Tables[name]
	if !ok {
		return types.TableSchema{}, false
	}
	return table.Clone(), true
}

// OnChange registers a handler fired after every observable schema change.
func (r *Registry) OnChange(h ChangeHandler) {
	r.handlers = append(r.handlers, h)
}

// Apply applies a parsed DDL statement on behalf of operation opID.
// It returns true when the statement produced an observable change; no-op
// statements (IF NOT EXISTS on an existing column, mutations of absent
// tables, and similar) return false and leave the version untouched.
func (r *Registry) Apply(opID string, stmt ddl.Statement) bool {
	changed := r.applyStatement(stmt)
	if !changed {
		return false
	}

	r.state.Version++
	r.state.Operations = append(r.state.Operations, opID)

	snapshot := r.state.Clone()
	for _, h := range r.handlers {
		h(snapshot)
	}
	return true
}

func (r *Registry) applyStatement(stmt ddl.Statement) bool {
	switch s := stmt.(type) {
	case *ddl.CreateTable:
		return r.createTable(s)
	case *ddl.AddColumn:
		return r.addColumn(s)
	case *ddl.DropColumn:
		return r.dropColumn(s)
	case *ddl.RenameTable:
		return r.renameTable(s)
	case *ddl.RenameColumn:
		return r.renameColumn(s)
	case *ddl.CommentOnTable:
		return r.commentOnTable(s)
	default:
		log.Warn().Str("ddl_type", stmt.DDLType()).Msg("schema: unsupported DDL statement")
		return false
	}
}

// createTable registers a new table. Re-creating an existing name
// overwrites: causal order already disambiguates concurrent creates, so
// the last applier wins at the schema layer.
func (r *Registry) createTable(s *ddl.CreateTable) bool {
	if s.IfNotExists {
		if _, ok := r.state.Tables[s.Name]; ok {
			return false
		}
	}

	columns := make(map[string]types.ColumnDef, len(s.Columns))
	for _, col := range s.Columns {
		def := types.ColumnDef{Type: col.Type}
		if col.HasDefault {
			def.Default = col.Default
		}
		columns[col.Name] = def
	}
	r.state.Tables[s.Name] = types.TableSchema{Columns: columns}
	return true
}

func (r *Registry) addColumn(s *ddl.AddColumn) bool {
	table, ok := r.state.Tables[s.Table]
	if !ok {
		log.Warn().Str("table", s.Table).Str("column", s.Column.Name).
			Msg("schema: ADD COLUMN on nonexistent table, skipping")
		return false
	}
	if _, exists := table.Columns[s.Column.Name]; exists {
		// IF NOT EXISTS semantics: an existing column is a no-op either way.
		return false
	}

	def := types.ColumnDef{Type: s.Column.Type}
	if s.Column.HasDefault {
		def.Default = s.Column.Default
	}
	table.Columns[s.Column.Name] = def
	r.state.Tables[s.Table] = table
	return true
}

func (r *Registry) dropColumn(s *ddl.DropColumn) bool {
	table, ok := r.state.Tables[s.Table]
	if !ok {
		log.Warn().Str("table", s.Table).Str("column", s.Column).
			Msg("schema: DROP COLUMN on nonexistent table, skipping")
		return false
	}
	if _, exists := table.Columns[s.Column]; !exists {
		// IF EXISTS semantics: an absent column is a no-op either way.
		return false
	}

	delete(table.Columns, s.Column)
	r.state.Tables[s.Table] = table
	return true
}

func (r *Registry) renameTable(s *ddl.RenameTable) bool {
	table, ok := r.state.Tables[s.Old]
	if !ok {
		log.Warn().Str("table", s.Old).Msg("schema: RENAME TABLE on nonexistent table, skipping")
		return false
	}

	delete(r.state.Tables, s.Old)
	r.state.Tables[s.New] = table
	return true
}

func (r *Registry) renameColumn(s *ddl.RenameColumn) bool {
	table, ok := r.state.Tables[s.Table]
	if !ok {
		log.Warn().Str("table", s.Table).Msg("schema: RENAME COLUMN on nonexistent table, skipping")
		return false
	}
	def, exists := table.Columns[s.Old]
	if !exists {
		return false
	}

	delete(table.Columns, s.Old)
	table.Columns[s.New] = def
	r.state.Tables[s.Table] = table
	return true
}

// commentOnTable always applies when the table exists; it is idempotent
// by overwrite, but every application is an observable change.
func (r *Registry) commentOnTable(s *ddl.CommentOnTable) bool {
	table, ok := r.state.Tables[s.Table]
	if !ok {
		log.Warn().Str("table", s.Table).Msg("schema: COMMENT ON nonexistent table, skipping")
		return false
	}

	table.Comment = s.Comment
	r.state.Tables[s.Table] = table
	return true
}

// Snapshot returns a deep copy of the registry state for transaction
// rollback.
func (r *Registry) Snapshot() types.SchemaVersion {
	return r.state.Clone()
}

// Restore replaces the registry state with a previously taken snapshot.
// Change handlers are not fired; rollback is not an observable schema
// change.
func (r *Registry) Restore(snap types.SchemaVersion) {
	r.state = snap.Clone()
}
