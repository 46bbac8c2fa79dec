// Package store persists the system of record: the scheme catalog,
// portfolios, the append-only transaction log, the cached position
// aggregate, and the two-tier NAV cache. Backed by SQLite via
// modernc.org/sqlite (pure Go, no cgo), following the pack's own
// preference for that driver (AlejandroRuiz99-polybot, aristath-sentinel,
// stadam23-Eve-flipper all use it).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a single *sql.DB and the prepared schema migrations.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the database file, enables WAL + foreign keys,
// and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline, matches §5 single-writer NAV policy

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for components that need raw access
// (e.g. wrapping a multi-table mutation in a single transaction).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	email   TEXT NOT NULL UNIQUE,
	role    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schemes (
	scheme_code INTEGER PRIMARY KEY,
	scheme_name TEXT NOT NULL,
	fund_house  TEXT NOT NULL,
	category    TEXT NOT NULL,
	type        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolios (
	portfolio_id TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	scheme_code  INTEGER NOT NULL,
	opened_at    TEXT NOT NULL,
	opening_nav  TEXT NOT NULL,
	UNIQUE(user_id, scheme_code)
);

CREATE TABLE IF NOT EXISTS positions (
	portfolio_id   TEXT PRIMARY KEY,
	scheme_code    INTEGER NOT NULL,
	total_units    TEXT NOT NULL,
	invested_value TEXT NOT NULL,
	avg_nav        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	tx_id        TEXT PRIMARY KEY,
	portfolio_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	units        TEXT NOT NULL,
	nav          TEXT NOT NULL,
	amount       TEXT NOT NULL,
	time         TEXT NOT NULL,
	realized_pl  TEXT
);
CREATE INDEX IF NOT EXISTS idx_tx_portfolio_time ON transactions(portfolio_id, time, rowid);

CREATE TABLE IF NOT EXISTS latest_nav (
	scheme_code INTEGER PRIMARY KEY,
	nav         TEXT NOT NULL,
	as_of_date  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nav_history (
	scheme_code INTEGER NOT NULL,
	date        TEXT NOT NULL,
	nav         TEXT NOT NULL,
	PRIMARY KEY (scheme_code, date)
);
`
	_, err := s.db.Exec(schema)
	return err
}
