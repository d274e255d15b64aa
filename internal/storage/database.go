// Package storage persists extraction jobs and results in SQLite or Postgres.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
)

// Driver names as used in configuration.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.SQLite))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		conns := cfg.SQLite.MaxOpenConns
		if conns <= 0 || cfg.SQLite.Path == ":memory:" || cfg.SQLite.Path == "" {
			// every connection to :memory: is a separate database
			conns = 1
		}
		db.SetMaxOpenConns(conns)
	case DriverPostgres:
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Postgres.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		}
		if cfg.Postgres.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		}
		if cfg.Postgres.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

func sqliteDSN(cfg config.SQLiteConfig) string {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	if cfg.JournalMode != "" && path != ":memory:" {
		q.Set("_journal_mode", cfg.JournalMode)
	}
	return "file:" + path + "?" + q.Encode()
}
