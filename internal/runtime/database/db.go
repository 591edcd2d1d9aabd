// Package database wraps sqlx with the transaction capabilities execution
// contexts rely on: post-commit hooks, rollback hooks and savepoints.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// sqliteDefaults serialize writers at BEGIN and make waiting writers retry
// instead of failing with SQLITE_BUSY.
var sqliteDefaults = map[string]string{
	"_txlock":       "immediate",
	"_busy_timeout": "5000",
	"_journal_mode": "WAL",
	"_foreign_keys": "on",
}

// HookErrorHandler receives failures of commit hooks. The transaction they
// belong to has already committed.
type HookErrorHandler func(ctx context.Context, err error)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	OnHookError     HookErrorHandler
}

// DB is a connection pool plus its dialect.
type DB struct {
	x           *sqlx.DB
	dialect     Dialect
	onHookError HookErrorHandler
}

// Open connects to driver ("postgres" or "sqlite3") at dsn.
func Open(ctx context.Context, driver, dsn string, opts Options) (*DB, error) {
	dialect, err := parseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	x, err := sqlx.ConnectContext(ctx, string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		x.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		x.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		x.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &DB{x: x, dialect: dialect, onHookError: opts.OnHookError}, nil
}

// Wrap adopts an existing sqlx pool.
func Wrap(x *sqlx.DB, onHookError HookErrorHandler) (*DB, error) {
	dialect, err := parseDialect(x.DriverName())
	if err != nil {
		return nil, err
	}
	return &DB{x: x, dialect: dialect, onHookError: onHookError}, nil
}

func parseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	}
	return "", fmt.Errorf("%w: %q", perrors.ErrUnsupportedDialect, driver)
}

func sqliteDSN(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	present := map[string]bool{}
	for _, kv := range strings.Split(query, "&") {
		if k, _, ok := strings.Cut(kv, "="); ok {
			present[k] = true
		}
	}
	params := []string{}
	if query != "" {
		params = append(params, query)
	}
	for _, k := range []string{"_txlock", "_busy_timeout", "_journal_mode", "_foreign_keys"} {
		if !present[k] {
			params = append(params, k+"="+sqliteDefaults[k])
		}
	}
	return base + "?" + strings.Join(params, "&")
}

func (db *DB) Dialect() Dialect { return db.dialect }

// SQLX exposes the underlying pool.
func (db *DB) SQLX() *sqlx.DB { return db.x }

func (db *DB) Close() error { return db.x.Close() }

func (db *DB) Ping(ctx context.Context) error { return db.x.PingContext(ctx) }

// SetHookErrorHandler replaces the commit-hook failure callback.
func (db *DB) SetHookErrorHandler(h HookErrorHandler) { db.onHookError = h }

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, db: db}, nil
}

// Querier runs '?'-placeholder SQL against a DB or a Tx.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Get(ctx context.Context, dest any, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	Dialect() Dialect
}

func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.x.ExecContext(ctx, db.x.Rebind(query), args...)
}

func (db *DB) Get(ctx context.Context, dest any, query string, args ...any) error {
	return db.x.GetContext(ctx, dest, db.x.Rebind(query), args...)
}

func (db *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	return db.x.SelectContext(ctx, dest, db.x.Rebind(query), args...)
}

// InTx runs fn in a transaction committed when fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Migrate applies DDL statements in one transaction. Statements must be
// idempotent.
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}
