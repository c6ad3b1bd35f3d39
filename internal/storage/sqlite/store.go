// Package sqlite provides the default durable pending confirmation store, a
// single-file SQLite database driven by the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Broadcast/deploy/migrations"
	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/storage/sqlstore"

	_ "modernc.org/sqlite"
)

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{Name: "sqlite", UpsertSQL: sqlstore.SQLiteUpsert}

const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// Config selects the database file. DSN, when set, is used verbatim.
type Config struct {
	Path string
	DSN  string
}

// DSN builds the connection string for a database file.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?%s", path, pragmas)
}

// MemoryDSN builds a shared-cache in-memory connection string. Databases with
// the same name share state for the lifetime of the pool.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas)
}

// Open opens the database, applies migrations and returns the store.
func Open(ctx context.Context, cfg Config, clock pending.Clock) (*sqlstore.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		path := cfg.Path
		if path == "" {
			path = filepath.Join(".data", "pending.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create sqlite directory")
		}
		dsn = DSN(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open sqlite")
	}
	// One connection serialises writers and keeps shared-cache memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping sqlite")
	}

	files, err := fs.Sub(migrations.SQLite, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "locate sqlite migrations")
	}
	if err := sqlstore.Migrate(ctx, db, files, nil); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "migrate sqlite")
	}
	return sqlstore.New(db, Dialect, clock), nil
}
