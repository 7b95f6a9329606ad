package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
)

const (
	duckDBMemoryLimit    = "512MB"
	duckDBThreads        = "2"
	corruptionMarkerFile = ".db_corrupted"
)

// DiagnosticsDB manages the DuckDB connection backing the session journal.
type DiagnosticsDB struct {
	db       *sql.DB
	dbPath   string
	isTestDB bool // true for an in-memory database
}

// OpenDiagnosticsDB opens (creating if needed) the DuckDB file at dbPath.
// dbPath may be ":memory:" for tests, in which case no file or corruption
// marker is consulted.
func OpenDiagnosticsDB(dbPath string) (*DiagnosticsDB, error) {
	useInMemory := dbPath == "" || dbPath == ":memory:"
	if useInMemory {
		dbPath = ":memory:"
	}

	connStr := dbPath
	if !useInMemory {
		dbDir := filepath.Dir(dbPath)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if mkDirErr := os.MkdirAll(dbDir, 0755); mkDirErr != nil {
				return nil, fmt.Errorf("failed to create database directory '%s': %w", dbDir, mkDirErr)
			}
		}
		if _, err := os.Stat(filepath.Join(dbDir, corruptionMarkerFile)); err == nil {
			return nil, fmt.Errorf("database at %s is marked as corrupted, refusing to open", dbPath)
		}
		connStr = fmt.Sprintf("%s?access_mode=READ_WRITE", dbPath)
	}

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB database at %s: %w", dbPath, err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB database at %s: %w", dbPath, err)
	}

	initialConfigs := []string{
		fmt.Sprintf("SET memory_limit='%s';", duckDBMemoryLimit),
		fmt.Sprintf("SET threads=%s;", duckDBThreads),
	}
	for _, confSQL := range initialConfigs {
		if _, err := db.Exec(confSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply initial config '%s': %w", confSQL, err)
		}
	}

	const createTable = `
		CREATE TABLE IF NOT EXISTS session_events (
			ts TIMESTAMP,
			session_id VARCHAR,
			kind VARCHAR,
			identifier UBIGINT,
			detail VARCHAR
		);`
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session_events table: %w", err)
	}

	return &DiagnosticsDB{db: db, dbPath: dbPath, isTestDB: useInMemory}, nil
}

// Close closes the underlying database connection.
func (d *DiagnosticsDB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// DB returns the underlying *sql.DB for direct use by the journal package.
func (d *DiagnosticsDB) DB() *sql.DB {
	if d == nil {
		return nil
	}
	return d.db
}

// IsCorrupted reports whether the on-disk database is marked as corrupted.
func (d *DiagnosticsDB) IsCorrupted() bool {
	if d.isTestDB || d.dbPath == ":memory:" || d.dbPath == "" {
		return false
	}
	markerPath := filepath.Join(filepath.Dir(d.dbPath), corruptionMarkerFile)
	_, err := os.Stat(markerPath)
	return err == nil
}

// MarkCorrupted creates the corruption marker file next to the database.
func (d *DiagnosticsDB) MarkCorrupted() error {
	if d.isTestDB || d.dbPath == ":memory:" || d.dbPath == "" {
		return fmt.Errorf("cannot mark in-memory or unopened database as corrupted")
	}
	markerPath := filepath.Join(filepath.Dir(d.dbPath), corruptionMarkerFile)
	file, err := os.Create(markerPath)
	if err != nil {
		return fmt.Errorf("failed to create corruption marker file at %s: %w", markerPath, err)
	}
	return file.Close()
}
