// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/logging"
)

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn  *sql.DB
	cfg   *config.DatabaseConfig
	locks *LockManager
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store methods accept it so engines can compose multi-statement
// transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// New opens (or creates) the database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for file-backed databases.
	if cfg.Path != ":memory:" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
			}
		}
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, numThreads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{
		conn:  conn,
		cfg:   cfg,
		locks: NewLockManager(),
	}

	db.configurePool()

	if err := db.initSchema(context.Background()); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Component("database").Info().
		Str("path", cfg.Path).
		Int("threads", numThreads).
		Msg("database ready")

	return db, nil
}

// configurePool tunes the connection pool. Writes serialize through the
// lock manager, so a small pool suffices.
func (db *DB) configurePool() {
	db.conn.SetMaxOpenConns(runtime.NumCPU())
	db.conn.SetMaxIdleConns(2)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// Conn exposes the underlying connection for read-only queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Locks returns the per-aggregate lock manager.
func (db *DB) Locks() *LockManager {
	return db.locks
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close shuts down the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic. Context cancellation mid-transaction rolls
// back; nothing beyond what already committed is visible.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Component("database").Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Now returns the database wall clock. Timer decisions always use this
// clock, never a client's.
func (db *DB) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := db.conn.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read database clock: %w", err)
	}
	return now.UTC(), nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// DuckDB surfaces these as constraint errors mentioning the duplicated
// key; there is no stable error code to switch on.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") &&
		(strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique"))
}

// closeQuietly closes a resource, logging any error.
func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Component("database").Warn().Err(err).Msg("close failed")
	}
}

// nullTime converts a nullable time for scanning.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned nullable time back to a pointer.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
