package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema step. Statements use types both drivers accept.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				name TEXT NOT NULL,
				doc_type TEXT NOT NULL,
				bucket TEXT NOT NULL,
				object_key TEXT NOT NULL,
				size BIGINT NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id)`,
			`CREATE TABLE IF NOT EXISTS artifacts (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				run_id TEXT NOT NULL,
				project_id TEXT NOT NULL,
				document_id TEXT NOT NULL DEFAULT '',
				parent_id TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_project_kind ON artifacts(project_id, kind)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_document ON artifacts(document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_parent ON artifacts(parent_id)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				run_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				pending_node TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
		},
	},
}

// SchemaVersion is the version the newest migration produces.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("schema_version table: %w", err)
	}

	current, err := db.Version(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.InTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
				m.version, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Version returns the applied schema version, 0 for an empty database.
func (db *DB) Version(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return int(v.Int64), nil
}
