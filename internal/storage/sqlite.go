package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path, "state.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers; compare-and-swap on document versions
	// still decides which logical edit wins.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
  id           TEXT PRIMARY KEY,
  label        TEXT NOT NULL DEFAULT '',
  is_container INTEGER NOT NULL DEFAULT 0,
  format       TEXT NOT NULL,
  log_message  TEXT,
  created_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS documents (
  object_id  TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
  name       TEXT NOT NULL,
  body       BLOB NOT NULL,
  version    INTEGER NOT NULL DEFAULT 1,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (object_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS datastreams (
  object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
  stream_id TEXT NOT NULL,
  control   TEXT NOT NULL,
  location  TEXT,
  mime      TEXT,
  content   BLOB,
  PRIMARY KEY (object_id, stream_id)
);`,
		`CREATE TABLE IF NOT EXISTS relationships (
  subject  TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
  relation TEXT NOT NULL,
  target   TEXT NOT NULL,
  PRIMARY KEY (subject, relation, target)
);`,
		`CREATE INDEX IF NOT EXISTS relationships_target_idx ON relationships(target, relation);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
