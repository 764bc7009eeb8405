package ddl

import (
	"testing"
)

func TestParse_CreateTable(t *testing.T) {
	stmt, err := Parse("CREATE TABLE Users (id STRING, name STRING, age INT64 DEFAULT 0)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ct, ok := stmt.(*CreateTable)
	if !ok {
		t.Fatalf("expected *CreateTable, got %T", stmt)
	}
	if ct.Name != "Users" {
		t.Errorf("table name = %q, want Users", ct.Name)
	}
	if len(ct.Columns) != 3 {
		t.Fatalf("got %d columns, want 3", len(ct.Columns))
	}
	if ct.Columns[0].Name != "id" || ct.Columns[0].Type != "STRING" {
		t.Errorf("unexpected first column: %+v", ct.Columns[0])
	}
	if !ct.Columns[2].HasDefault {
		t.Error("age column should carry a default")
	}
	if got, ok := ct.Columns[2].Default.(float64); !ok || got != 0 {
		t.Errorf("age default = %v, want 0", ct.Columns[2].Default)
	}
	if ct.IfNotExists {
		t.Error("IfNotExists should be false")
	}
	if ct.DDLType() != TypeCreateTable {
		t.Errorf("DDLType = %q, want %q", ct.DDLType(), TypeCreateTable)
	}
}

func TestParse_CreateTableIfNotExists(t *testing.T) {
	stmt, err := Parse("CREATE TABLE IF NOT EXISTS Accounts (id STRING)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ct := stmt.(*CreateTable)
	if !ct.IfNotExists {
		t.Error("IfNotExists should be true")
	}
}

func TestParse_AddColumn(t *testing.T) {
	tests := []struct {
		input       string
		table       string
		column      string
		colType     string
		ifNotExists bool
		hasDefault  bool
		defaultVal  interface{}
	}{
		{"ALTER TABLE Users ADD COLUMN email STRING", "Users", "email", "STRING", false, false, nil},
		{"ALTER TABLE Users ADD COLUMN IF NOT EXISTS email STRING", "Users", "email", "STRING", true, false, nil},
		{"ALTER TABLE Users ADD COLUMN bio STRING DEFAULT 'none'", "Users", "bio", "STRING", false, true, "none"},
		{"ALTER TABLE Accounts ADD COLUMN balance DOUBLE DEFAULT 100.5", "Accounts", "balance", "DOUBLE", false, true, 100.5},
		{"ALTER TABLE Users ADD COLUMN active BOOL DEFAULT TRUE", "Users", "active", "BOOL", false, true, true},
	}

	for _, tt := range tests {
		stmt, err := Parse(tt.input)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.input, err)
			continue
		}
		ac, ok := stmt.(*AddColumn)
		if !ok {
			t.Errorf("Parse(%q): expected *AddColumn, got %T", tt.input, stmt)
			continue
		}
		if ac.Table != tt.table || ac.Column.Name != tt.column || ac.Column.Type != tt.colType {
			t.Errorf("Parse(%q) = %+v", tt.input, ac)
		}
		if ac.IfNotExists != tt.ifNotExists {
			t.Errorf("Parse(%q).IfNotExists = %v, want %v", tt.input, ac.IfNotExists, tt.ifNotExists)
		}
		if ac.Column.HasDefault != tt.hasDefault {
			t.Errorf("Parse(%q).HasDefault = %v, want %v", tt.input, ac.Column.HasDefault, tt.hasDefault)
		}
		if tt.hasDefault && ac.Column.Default != tt.defaultVal {
			t.Errorf("Parse(%q).Default = %v, want %v", tt.input, ac.Column.Default, tt.defaultVal)
		}
	}
}

func TestParse_DropColumn(t *testing.T) {
	stmt, err := Parse("ALTER TABLE Users DROP COLUMN IF EXISTS email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dc := stmt.(*DropColumn)
	if dc.Table != "Users" || dc.Column != "email" || !dc.IfExists {
		t.Errorf("unexpected statement: %+v", dc)
	}

	stmt, err = Parse("ALTER TABLE Users DROP COLUMN email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stmt.(*DropColumn).IfExists {
		t.Error("IfExists should be false")
	}
}

func TestParse_RenameTable(t *testing.T) {
	stmt, err := Parse("ALTER TABLE Users RENAME TO Members")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rt := stmt.(*RenameTable)
	if rt.Old != "Users" || rt.New != "Members" {
		t.Errorf("unexpected statement: %+v", rt)
	}
}

func TestParse_RenameColumn(t *testing.T) {
	stmt, err := Parse("ALTER TABLE Users RENAME COLUMN name TO full_name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc := stmt.(*RenameColumn)
	if rc.Table != "Users" || rc.Old != "name" || rc.New != "full_name" {
		t.Errorf("unexpected statement: %+v", rc)
	}
}

func TestParse_CommentOnTable(t *testing.T) {
	stmt, err := Parse("COMMENT ON TABLE Users IS 'primary user records'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := stmt.(*CommentOnTable)
	if c.Table != "Users" || c.Comment != "primary user records" {
		t.Errorf("unexpected statement: %+v", c)
	}
}

func TestParse_EscapedQuoteInComment(t *testing.T) {
	stmt, err := Parse("COMMENT ON TABLE Users IS 'it''s fine'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stmt.(*CommentOnTable).Comment; got != "it's fine" {
		t.Errorf("comment = %q, want %q", got, "it's fine")
	}
}

func TestParse_TrailingSemicolon(t *testing.T) {
	if _, err := Parse("ALTER TABLE Users RENAME TO Members;"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	inputs := []string{
		"",
		"SELECT 1",
		"CREATE Users (id STRING)",
		"CREATE TABLE Users",
		"CREATE TABLE Users ()",
		"ALTER TABLE Users",
		"ALTER TABLE Users ADD email STRING",
		"ALTER TABLE Users DROP COLUMN",
		"COMMENT ON TABLE Users IS missing_quotes",
		"ALTER TABLE Users RENAME COLUMN name", // missing TO target
		"CREATE TABLE Users (id STRING) trailing",
	}
	for _, input := range inputs {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestStatement_StringRoundTrip(t *testing.T) {
	inputs := []string{
		"CREATE TABLE Users (id STRING, age INT64 DEFAULT 0)",
		"ALTER TABLE Users ADD COLUMN IF NOT EXISTS email STRING",
		"ALTER TABLE Users DROP COLUMN IF EXISTS email",
		"ALTER TABLE Users RENAME TO Members",
		"ALTER TABLE Users RENAME COLUMN name TO full_name",
		"COMMENT ON TABLE Users IS 'notes'",
	}
	for _, input := range inputs {
		stmt, err := Parse(input)
		if err != nil {
			t.Errorf("Parse(%q): %v", input, err)
			continue
		}
		// The rendered form must parse back to the same type.
		again, err := Parse(stmt.String())
		if err != nil {
			t.Errorf("reparse of %q (%q): %v", input, stmt.String(), err)
			continue
		}
		if again.DDLType() != stmt.DDLType() {
			t.Errorf("round trip changed type: %q vs %q", stmt.DDLType(), again.DDLType())
		}
	}
}
