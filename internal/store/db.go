// Package store is the embedded persistence layer: a single SQLite file
// holding sessions, messages, the event audit log, key/value settings,
// usage snapshots, and the deferred command queue. One process writes;
// WAL mode lets readers proceed concurrently.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the process-wide SQLite handle.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies
// pragmas. Call Migrate before first use.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer. Readers share the WAL snapshot through the same pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &DB{sql: db, path: path}, nil
}

// Migrate brings the schema to the latest embedded version.
func (d *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(d.sql, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Path returns the on-disk location of the database file.
func (d *DB) Path() string {
	return d.path
}

// Ping verifies the handle is still usable.
func (d *DB) Ping() error {
	return d.sql.Ping()
}

// Execute runs a statement and returns its result.
func (d *DB) Execute(query string, args ...any) (sql.Result, error) {
	return d.sql.Exec(query, args...)
}

// QueryRow runs a single-row query.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.sql.QueryRow(query, args...)
}

// Query runs a multi-row query.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sql.Query(query, args...)
}

// NowISO returns the current UTC time in the storage timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
