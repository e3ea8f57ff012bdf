// Package db provides the sqlite connection helper shared by every
// durable store in the bridge (today: internal/queue's RequestQueue).
// Adapted from the teacher's own db package: a dual-driver build (cgo
// mattn/go-sqlite3 vs. pure-Go ncruces/go-sqlite3), sqlx on top, and a
// fixed set of WAL-mode pragmas tuned for a single-writer workload.
package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
)

// defaultPragma tunes SQLite for a mostly-single-writer, occasional-reader
// workload: WAL journaling so readers never block the writer, a busy
// timeout instead of immediate SQLITE_BUSY errors, and a modest page cache.
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=4000;
PRAGMA synchronous=NORMAL;
`

type config struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Option configures NewSqliteDB.
type Option func(*config)

// WithPath sets the database file path. Use ":memory:" for an in-memory
// database (the default), as the teacher's tests do.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithPragmas replaces the default pragma block.
func WithPragmas(pragmas string) Option {
	return func(c *config) { c.pragmas = pragmas }
}

// WithMaxOpenConns caps the connection pool. RequestQueue opens with 1:
// sqlite only ever has one effective writer, and serializing through a
// single connection is simpler than coordinating WAL readers/writers
// across a pool.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// NewSqliteDB opens (creating if necessary) a sqlite database at the
// configured path using the build-tag-selected driver.
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	cfg := &config{
		path:         ":memory:",
		pragmas:      defaultPragma,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path != ":memory:" {
		if err := ensureParentDir(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		dsn = ":memory:"
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.connMaxLifetime)
	}

	if _, err := conn.Exec(cfg.pragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return conn, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
