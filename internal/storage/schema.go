package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema applies every migration newer than the recorded version.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	migrations := []func() error{s.migrateToV1, s.migrateToV2}
	for i, migrate := range migrations {
		target := i + 1
		if version >= target {
			continue
		}
		if err := migrate(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", target, err)
		}
		if err := s.recordMigration(target); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV1 creates the git operation and remote descriptor tables.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info("applying migration", "version", 1)

	const tables = `
		CREATE TABLE IF NOT EXISTS git_operations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			op TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			stage TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			log_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_git_operations_project ON git_operations(project_id, created_at);

		CREATE TABLE IF NOT EXISTS remotes (
			project_id TEXT PRIMARY KEY,
			sanitized_url TEXT NOT NULL,
			provider TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_fetched_at TEXT
		);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create v1 tables: %w", err)
	}
	return nil
}

// migrateToV2 adds the append-only tool call audit table.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info("applying migration", "version", 2)

	const table = `
		CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, id);
	`
	if _, err := s.db.Exec(table); err != nil {
		return fmt.Errorf("create tool_calls table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return nil
}

func (s *SQLiteStore) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("check schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion()
}
