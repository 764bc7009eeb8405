package schema

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/pkg/types"
)

// History persists one record per observable schema version so the
// evolution of the schema survives restarts and can be inspected after
// the fact. It is an optional attachment: the registry works without it.
type History struct {
	db *sql.DB
}

// VersionRecord is a stored schema version.
type VersionRecord struct {
	Version     int
	OperationID string
	Schema      types.SchemaVersion
	CreatedAt   time.Time
}

// OpenHistory opens or creates the schema history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to open schema history", err)
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version      INTEGER PRIMARY KEY,
			operation_id TEXT NOT NULL,
			schema_json  TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to initialize schema history", err)
	}

	return &History{db: db}, nil
}

// Record stores a schema version produced by operation opID. Recording
// the same version twice is an error; versions advance monotonically.
func (h *History) Record(schema types.SchemaVersion, opID string) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to marshal schema", err)
	}

	_, err = h.db.Exec(
		"INSERT INTO schema_versions (version, operation_id, schema_json, created_at) VALUES (?, ?, ?, ?)",
		schema.Version, opID, string(schemaJSON), time.Now().Unix(),
	)
	if err != nil {
		return errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to insert schema version", err)
	}
	return nil
}

// Current returns the latest recorded version number, 0 when empty.
func (h *History) Current() (int, error) {
	var version int
	err := h.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to read current version", err)
	}
	return version, nil
}

// Get retrieves a specific recorded schema version.
func (h *History) Get(version int) (*VersionRecord, error) {
	var (
		opID          string
		schemaJSON    string
		createdAtUnix int64
	)
	err := h.db.QueryRow(
		"SELECT operation_id, schema_json, created_at FROM schema_versions WHERE version = ?",
		version,
	).Scan(&opID, &schemaJSON, &createdAtUnix)
	if err == sql.ErrNoRows {
		return nil, errors.NewSchemaError(errors.CodeHistoryCorrupted, "schema version not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to read schema version", err)
	}

	var schema types.SchemaVersion
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to unmarshal schema", err)
	}

	return &VersionRecord{
		Version:     version,
		OperationID: opID,
		Schema:      schema,
		CreatedAt:   time.Unix(createdAtUnix, 0),
	}, nil
}

// List returns all recorded versions ordered by version number.
func (h *History) List() ([]VersionRecord, error) {
	rows, err := h.db.Query(
		"SELECT version, operation_id, schema_json, created_at FROM schema_versions ORDER BY version ASC",
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to list schema versions", err)
	}
	defer rows.Close()

	var records []VersionRecord
	for rows.Next() {
		var (
			version       int
			opID          string
			schemaJSON    string
			createdAtUnix int64
		)
		if err := rows.Scan(&version, &opID, &schemaJSON, &createdAtUnix); err != nil {
			return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to scan schema version", err)
		}

		var schema types.SchemaVersion
		if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
			return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to unmarshal schema", err)
		}

		records = append(records, VersionRecord{
			Version:     version,
			OperationID: opID,
			Schema:      schema,
			CreatedAt:   time.Unix(createdAtUnix, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "error iterating schema versions", err)
	}

	return records, nil
}

// Truncate removes records with version greater than v. Used when a
// transaction rollback reverts the registry past recorded versions.
func (h *History) Truncate(v int) error {
	if _, err := h.db.Exec("DELETE FROM schema_versions WHERE version > ?", v); err != nil {
		return errors.Wrap(errors.ErrCategorySchema, errors.CodeHistoryCorrupted, "failed to truncate schema history", err)
	}
	return nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}
