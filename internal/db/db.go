// Package db provides database connection management for the sync store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

const (
	// FileName is the database file created inside the data directory.
	FileName = "fieldsync.db"
	// LockName guards the data directory against a second process.
	LockName = "fieldsync.lock"
)

// DB wraps the sql.DB with the sync store configuration.
type DB struct {
	*sql.DB
	lock *flock.Flock
}

// Open opens the SQLite database under dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so readers never block the writer
// - a single connection so every transaction is serialized
// - an exclusive lock file held until Close
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "create data directory", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreLocked, "acquire store lock", err)
	}
	if !locked {
		return nil, apperrors.Newf(apperrors.ErrStoreLocked, "store %s is in use by another process", dataDir)
	}

	sqlDB, err := openSQLite(filepath.Join(dataDir, FileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	if err := NewMigrator(sqlDB, Migrations()).Up(); err != nil {
		sqlDB.Close()
		_ = lock.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}

	return &DB{DB: sqlDB, lock: lock}, nil
}

// OpenMemory opens a migrated in-memory database. Used by tests and dry runs.
func OpenMemory() (*DB, error) {
	sqlDB, err := openSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(sqlDB, Migrations()).Up(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return &DB{DB: sqlDB}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("apply %q", p), err)
		}
	}
	return db, nil
}

// Close closes the database connection and releases the directory lock.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.lock != nil {
		if uerr := db.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
