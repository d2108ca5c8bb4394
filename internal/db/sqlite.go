package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// busyTimeout bounds how long a connection waits on a locked database before
// failing. The row-version retry loop sits on top of this, so it stays short.
const busyTimeout = 5 * time.Second

// readerConns sizes the read pool. Result workers and gateway queries read
// concurrently; WAL keeps them off the writer's lock.
const readerConns = 8

// OpenSQLite opens the write side: one connection, WAL journal, foreign keys
// on. A single writer serializes row updates so SQLITE_BUSY stays confined
// to the busy timeout.
func OpenSQLite(path string) (*sql.DB, error) {
	abs := absPath(path)
	if err := touchDatabase(abs); err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(abs, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read side as a read-only pool. Journal and
// synchronous settings are database-level and belong to the writer.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(absPath(path), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, mode, int(busyTimeout/time.Millisecond))
	if mode != "ro" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// touchDatabase creates the parent directory and the file so first boot on a
// fresh volume works.
func touchDatabase(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func absPath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
