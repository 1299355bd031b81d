package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// OpenSQLite opens (and creates if needed) the alert database at path and
// ensures required tables exist. File-backed databases must live on a local
// filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	inMemory := path == MemoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := ValidateLocalPath(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// connPragmas run on every new pooled connection. Writers take the lock
// when their transaction begins, so a read-then-write transaction waits on
// busy_timeout instead of failing with SQLITE_BUSY at its first write.
var connPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	if path == MemoryPath {
		return path + "?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file:" + (&url.URL{Path: filepath.ToSlash(path)}).EscapedPath() + "?" + q.Encode()
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
  id                 TEXT PRIMARY KEY,
  patient_id         TEXT NOT NULL,
  patient_name       TEXT,
  test               TEXT NOT NULL,
  value              REAL NOT NULL,
  unit               TEXT,
  severity           TEXT NOT NULL,
  message            TEXT NOT NULL,
  department         TEXT,
  physician          TEXT,
  source             TEXT NOT NULL,
  status             TEXT NOT NULL,
  dedupe_key         TEXT NOT NULL,
  escalation_level   INTEGER NOT NULL DEFAULT 0,
  next_escalation_at TEXT,
  collected_at       TEXT,
  created_at         TEXT NOT NULL,
  acknowledged_at    TEXT,
  acknowledged_by    TEXT,
  ack_note           TEXT
);`,
		`CREATE TABLE IF NOT EXISTS notifications (
  id         TEXT PRIMARY KEY,
  alert_id   TEXT NOT NULL REFERENCES alerts(id),
  tier       TEXT NOT NULL,
  role       TEXT NOT NULL,
  contact    TEXT NOT NULL,
  channel    TEXT NOT NULL,
  status     TEXT NOT NULL,
  attempts   INTEGER NOT NULL,
  last_error TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  alert_id   TEXT,
  action     TEXT NOT NULL,
  actor      TEXT NOT NULL,
  detail     TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS alerts_status_created_at_idx ON alerts(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS alerts_dedupe_idx ON alerts(dedupe_key, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS alerts_escalation_idx ON alerts(status, next_escalation_at);`,
		`CREATE INDEX IF NOT EXISTS notifications_alert_idx ON notifications(alert_id);`,
		`CREATE INDEX IF NOT EXISTS audit_log_alert_idx ON audit_log(alert_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
