// Package storage persists git operations, remote descriptors and the tool
// call audit trail in a single SQLite database.
//
// The store is shared by every pipeline in the process. Writes for different
// ids may interleave freely; a RWMutex serialises access to the connection.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	// Pure-Go SQLite driver; registers "sqlite".
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/simpleaide/internal/logging"
)

// timeLayout is used for every timestamp column.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the SQLite-backed store.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *logging.Logger
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, logger *logging.Logger) (*SQLiteStore, error) {
	logger = logging.OrNop(logger).With("component", "storage")

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("database ready", "path", path, "schema_version", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
