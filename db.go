package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// migrations apply in order at boot. Every statement is idempotent via
// IF NOT EXISTS so re-running on an existing database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS usage_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		request_count INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_account_date
		ON usage_stats(account_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sticky_sessions (
		session_hash TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sticky_expires
		ON sticky_sessions(expires_at)`,
	`ALTER TABLE usage_stats ADD COLUMN client_api_key_hash TEXT DEFAULT 'legacy'`,
	`CREATE INDEX IF NOT EXISTS idx_usage_client_date
		ON usage_stats(client_api_key_hash, created_at)`,
}

type database struct {
	db *sql.DB
}

func openDatabase(path string) (*database, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	d := &database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *database) migrate() error {
	for _, stmt := range migrations {
		if _, err := d.db.Exec(stmt); err != nil {
			// ALTER TABLE ADD COLUMN has no IF NOT EXISTS; tolerate the
			// duplicate-column error on databases that already migrated.
			if isDuplicateColumnErr(err) {
				continue
			}
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func (d *database) Close() error {
	return d.db.Close()
}

// usageRecord is an append-only accounting row. Rows are never updated.
type usageRecord struct {
	ClientKeyHash       string
	AccountID           string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

func (d *database) recordUsage(rec usageRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO usage_stats
			(account_id, model, input_tokens, output_tokens,
			 cache_creation_tokens, cache_read_tokens, request_count, client_api_key_hash)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		rec.AccountID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.CacheCreationTokens, rec.CacheReadTokens, rec.ClientKeyHash,
	)
	return err
}

// usageTotals aggregates usage_stats for an account, used by /health.
type usageTotals struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (d *database) usageByAccount(accountID string) (usageTotals, error) {
	var t usageTotals
	row := d.db.QueryRow(
		`SELECT COALESCE(SUM(request_count),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0)
		 FROM usage_stats WHERE account_id = ?`, accountID)
	err := row.Scan(&t.Requests, &t.InputTokens, &t.OutputTokens)
	return t, err
}
