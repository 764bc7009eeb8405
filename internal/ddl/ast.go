package ddl

import (
	"fmt"
	"strconv"
	"strings"
)

// DDL type tags, matching the ddlType field of DDL operation payloads.
const (
	TypeCreateTable    = "CREATE_TABLE"
	TypeAddColumn      = "ADD_COLUMN"
	TypeDropColumn     = "DROP_COLUMN"
	TypeRenameTable    = "RENAME_TABLE"
	TypeRenameColumn   = "RENAME_COLUMN"
	TypeCommentOnTable = "COMMENT_ON_TABLE"
)

// Statement represents a parsed DDL statement.
type Statement interface {
	statementNode()
	// DDLType returns the statement's type tag, e.g. CREATE_TABLE.
	DDLType() string
	String() string
}

// ColumnSpec is a column declaration inside CREATE TABLE or ADD COLUMN.
type ColumnSpec struct {
	Name       string
	Type       string
	Default    interface{}
	HasDefault bool
}

// String returns the DDL representation of the column spec.
func (c ColumnSpec) String() string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	sb.WriteString(" ")
	sb.WriteString(c.Type)
	if c.HasDefault {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(literalString(c.Default))
	}
	return sb.String()
}

// CreateTable registers a new table with its column list.
type CreateTable struct {
	Name        string
	Columns     []ColumnSpec
	IfNotExists bool
}

func (s *CreateTable) statementNode()  {}
func (s *CreateTable) DDLType() string { return TypeCreateTable }

// String returns the DDL representation of the statement.
func (s *CreateTable) String() string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	if s.IfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(s.Name)
	sb.WriteString(" (")
	cols := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		cols[i] = col.String()
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(")")
	return sb.String()
}

// AddColumn adds a column with type and optional DEFAULT.
type AddColumn struct {
	Table       string
	Column      ColumnSpec
	IfNotExists bool
}

func (s *AddColumn) statementNode()  {}
func (s *AddColumn) DDLType() string { return TypeAddColumn }

func (s *AddColumn) String() string {
	var sb strings.Builder
	sb.WriteString("ALTER TABLE ")
	sb.WriteString(s.Table)
	sb.WriteString(" ADD COLUMN ")
	if s.IfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(s.Column.String())
	return sb.String()
}

// DropColumn removes a column.
type DropColumn struct {
	Table    string
	Column   string
	IfExists bool
}

func (s *DropColumn) statementNode()  {}
func (s *DropColumn) DDLType() string { return TypeDropColumn }

func (s *DropColumn) String() string {
	var sb strings.Builder
	sb.WriteString("ALTER TABLE ")
	sb.WriteString(s.Table)
	sb.WriteString(" DROP COLUMN ")
	if s.IfExists {
		sb.WriteString("IF EXISTS ")
	}
	sb.WriteString(s.Column)
	return sb.String()
}

// RenameTable moves a schema entry to a new name.
type RenameTable struct {
	Old string
	New string
}

func (s *RenameTable) statementNode()  {}
func (s *RenameTable) DDLType() string { return TypeRenameTable }

func (s *RenameTable) String() string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", s.Old, s.New)
}

// RenameColumn moves a column entry to a new name within a table.
type RenameColumn struct {
	Table string
	Old   string
	New   string
}

func (s *RenameColumn) statementNode()  {}
func (s *RenameColumn) DDLType() string { return TypeRenameColumn }

func (s *RenameColumn) String() string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", s.Table, s.Old, s.New)
}

// CommentOnTable attaches a free-text comment to a table.
type CommentOnTable struct {
	Table   string
	Comment string
}

func (s *CommentOnTable) statementNode()  {}
func (s *CommentOnTable) DDLType() string { return TypeCommentOnTable }

func (s *CommentOnTable) String() string {
	return fmt.Sprintf("COMMENT ON TABLE %s IS '%s'", s.Table, strings.ReplaceAll(s.Comment, "'", "''"))
}

// literalString renders a DEFAULT literal back to DDL syntax.
func literalString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
