// Package store is the durable persistence layer: jobs, inbound records,
// API keys, mailboxes, inbound rules, and callback dedup entries. SQLite is
// the default; setting DATABASE_URL switches to Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the sql handle with the dialect it was opened with.
type DB struct {
	*sql.DB
	driver string // "sqlite" or "postgres"
}

// Open connects to Postgres when databaseURL is set, otherwise to a local
// SQLite file at sqlitePath (created on demand).
func Open(ctx context.Context, databaseURL, sqlitePath string) (*DB, error) {
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		return &DB{DB: db, driver: "postgres"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return nil, fmt.Errorf("ensuring sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqlitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// State transitions are serialized through the database; a single
	// writer connection keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	return &DB{DB: db, driver: "sqlite"}, nil
}

// OpenMemory opens an isolated in-memory SQLite database for tests.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db, driver: "sqlite"}, nil
}

// rebind converts ? placeholders to $1..$n for Postgres. SQL text in this
// package is written with ? and stays dialect-neutral otherwise.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate creates all tables and unique indexes.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fax_jobs (
			id TEXT PRIMARY KEY,
			to_number TEXT NOT NULL,
			status TEXT NOT NULL,
			backend TEXT NOT NULL,
			provider_sid TEXT,
			pages INTEGER,
			error TEXT,
			pdf_path TEXT,
			tiff_path TEXT,
			pdf_url TEXT,
			pdf_token TEXT,
			pdf_token_expires_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inbound_faxes (
			id TEXT PRIMARY KEY,
			from_number TEXT,
			to_number TEXT,
			status TEXT NOT NULL,
			backend TEXT NOT NULL,
			provider_sid TEXT,
			pages INTEGER,
			size_bytes INTEGER,
			sha256 TEXT,
			error TEXT,
			pdf_path TEXT,
			tiff_path TEXT,
			mailbox_label TEXT,
			pdf_token TEXT,
			pdf_token_expires_at TEXT,
			retention_until TEXT,
			created_at TEXT NOT NULL,
			received_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			name TEXT,
			owner TEXT,
			scopes TEXT NOT NULL,
			note TEXT,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			revoked_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			label TEXT PRIMARY KEY,
			note TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inbound_rules (
			to_number TEXT PRIMARY KEY,
			mailbox_label TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS callback_dedup (
			provider_sid TEXT NOT NULL,
			event_type TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY (provider_sid, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_to_number ON inbound_faxes (to_number)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_received_at ON inbound_faxes (received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Time columns are stored as RFC 3339 text in both dialects.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
