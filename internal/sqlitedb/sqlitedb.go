// Package sqlitedb opens the shared SQLite database used by the core's
// persistence touchpoints (RAG index, memory items, traces, MCP audit log).
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	mu      sync.Mutex
	shared  *sql.DB
	path    string
	memOnly bool
)

// Open opens (or creates) a SQLite database at dbPath. Busy timeout and WAL
// are enabled so concurrent writers from batch flushers don't fail.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database with a shared cache: every open
// connection in the process sees the same data. Used by tests and by
// deployments that disable persistence.
func OpenMemory() (*sql.DB, error) {
	return sql.Open("sqlite3", "file::memory:?cache=shared&_busy_timeout=5000")
}

// Initialize sets the process-wide shared database. Passing an empty path
// selects an in-memory database.
func Initialize(dbPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if shared != nil {
		_ = shared.Close()
		shared = nil
	}
	var db *sql.DB
	var err error
	if dbPath == "" {
		db, err = OpenMemory()
		memOnly = true
	} else {
		db, err = Open(dbPath)
		memOnly = false
	}
	if err != nil {
		return err
	}
	shared = db
	path = dbPath
	return nil
}

// Shared returns the process-wide database, initializing an in-memory one
// on first use so callers never get nil.
func Shared() *sql.DB {
	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		db, err := OpenMemory()
		if err != nil {
			panic(fmt.Sprintf("sqlitedb: cannot open in-memory database: %v", err))
		}
		shared = db
		memOnly = true
	}
	return shared
}

// Shutdown closes the shared database.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}
