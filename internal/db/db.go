// Package db opens the job-store database for an executor. SQLite is the
// default (one file per executor under its data directory); PostgreSQL is
// available for deployments that centralize job state.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BrokkAi/brokkd/internal/db/dialect"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultSQLiteReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultSQLiteReaderConns = 4

	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection, avoiding SQLITE_BUSY under write
// contention. For PostgreSQL both sides are the same *sqlx.DB since pgx
// pools connections internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the underlying sql driver name.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open opens a Pool for the given driver. For "sqlite" the dsn is a file
// path; for "postgres" a pgx DSN.
func Open(driver, dsn string) (*Pool, error) {
	switch {
	case driver == "sqlite" || driver == dialect.SQLite3:
		return openSQLitePool(dsn)
	case driver == "postgres" || dialect.IsPostgres(driver):
		return openPostgresPool(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLitePool(dbPath string) (*Pool, error) {
	normalizedPath, err := normalizeSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(normalizedPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database directory: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open(dialect.SQLite3, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection serializes writes.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open(dialect.SQLite3, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read database: %w", err)
	}
	reader.SetMaxOpenConns(defaultSQLiteReaderConns)
	reader.SetMaxIdleConns(defaultSQLiteReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

func openPostgresPool(dsn string) (*Pool, error) {
	conn, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	conn.SetMaxOpenConns(defaultPostgresMaxConns)
	conn.SetMaxIdleConns(defaultPostgresMinConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return &Pool{writer: conn, reader: conn}, nil
}

func normalizeSQLitePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("sqlite database path is required")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	return abs, nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation on
// either driver. Used by the job store's idempotency-key insert.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value violates") || // postgres
		strings.Contains(msg, "SQLSTATE 23505") // pgx wraps the sqlstate
}
