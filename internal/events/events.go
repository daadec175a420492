// Package events is the append-only audit log of deployment transitions and
// per-attempt cost, stored in sqlite or postgres.
package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Log wraps the audit database connection.
type Log struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the audit database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Log, error) {
	var sqlDriver string
	switch driver {
	case "sqlite", "sqlite3", "":
		sqlDriver = "sqlite3"
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
			}
		}
	case "postgres", "pgx":
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unknown events driver %q", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open events database: %w", err)
	}
	if sqlDriver == "sqlite3" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}
	return &Log{db: db, driver: sqlDriver}, nil
}

// Conn exposes the connection for read-only reporting queries.
func (l *Log) Conn() *sqlx.DB {
	return l.db
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS deployment_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    rec_id     TEXT NOT NULL,
    run_id     TEXT NOT NULL DEFAULT '',
    event      TEXT NOT NULL,
    stage      TEXT NOT NULL DEFAULT '',
    attempt    INTEGER NOT NULL DEFAULT 0,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployment_events_rec ON deployment_events(rec_id, id);
CREATE TABLE IF NOT EXISTS cost_entries (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    rec_id        TEXT NOT NULL,
    stage         TEXT NOT NULL,
    attempt       INTEGER NOT NULL,
    usd           REAL NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_rec ON cost_entries(rec_id, id)
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS deployment_events (
    id         BIGSERIAL PRIMARY KEY,
    rec_id     TEXT NOT NULL,
    run_id     TEXT NOT NULL DEFAULT '',
    event      TEXT NOT NULL,
    stage      TEXT NOT NULL DEFAULT '',
    attempt    INTEGER NOT NULL DEFAULT 0,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployment_events_rec ON deployment_events(rec_id, id);
CREATE TABLE IF NOT EXISTS cost_entries (
    id            BIGSERIAL PRIMARY KEY,
    rec_id        TEXT NOT NULL,
    stage         TEXT NOT NULL,
    attempt       INTEGER NOT NULL,
    usd           DOUBLE PRECISION NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_rec ON cost_entries(rec_id, id)
`

// Migrate applies the schema for the connected driver.
func (l *Log) Migrate(ctx context.Context) error {
	schema := schemaSQLite
	if l.driver == "pgx" {
		schema = schemaPostgres
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var count int
	if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_version WHERE version = 1"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return tx.Commit()
}

// Event is one row of the audit trail.
type Event struct {
	ID        int64  `db:"id" json:"id"`
	RecID     string `db:"rec_id" json:"rec_id"`
	RunID     string `db:"run_id" json:"run_id"`
	Event     string `db:"event" json:"event"`
	Stage     string `db:"stage" json:"stage"`
	Attempt   int    `db:"attempt" json:"attempt"`
	Detail    string `db:"detail" json:"detail"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// Cost is one cost-incurring attempt.
type Cost struct {
	ID           int64   `db:"id" json:"id"`
	RecID        string  `db:"rec_id" json:"rec_id"`
	Stage        string  `db:"stage" json:"stage"`
	Attempt      int     `db:"attempt" json:"attempt"`
	USD          float64 `db:"usd" json:"usd"`
	InputTokens  int     `db:"input_tokens" json:"input_tokens"`
	OutputTokens int     `db:"output_tokens" json:"output_tokens"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// LogEvent appends an audit event.
func (l *Log) LogEvent(ctx context.Context, e Event) error {
	if e.CreatedAt == "" {
		e.CreatedAt = now()
	}
	_, err := l.db.NamedExecContext(ctx, `INSERT INTO deployment_events (rec_id, run_id, event, stage, attempt, detail, created_at)
		VALUES (:rec_id, :run_id, :event, :stage, :attempt, :detail, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// RecordCost appends a cost entry.
func (l *Log) RecordCost(ctx context.Context, c Cost) error {
	if c.CreatedAt == "" {
		c.CreatedAt = now()
	}
	_, err := l.db.NamedExecContext(ctx, `INSERT INTO cost_entries (rec_id, stage, attempt, usd, input_tokens, output_tokens, created_at)
		VALUES (:rec_id, :stage, :attempt, :usd, :input_tokens, :output_tokens, :created_at)`, c)
	if err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	return nil
}

// Events returns the audit trail for a recommendation, oldest first.
func (l *Log) Events(ctx context.Context, recID string) ([]Event, error) {
	var out []Event
	q := l.db.Rebind("SELECT * FROM deployment_events WHERE rec_id = ? ORDER BY id")
	if err := l.db.SelectContext(ctx, &out, q, recID); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// Costs returns the cost entries for a recommendation, oldest first.
func (l *Log) Costs(ctx context.Context, recID string) ([]Cost, error) {
	var out []Cost
	q := l.db.Rebind("SELECT * FROM cost_entries WHERE rec_id = ? ORDER BY id")
	if err := l.db.SelectContext(ctx, &out, q, recID); err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	return out, nil
}

// TotalCost sums every recorded cost, optionally restricted to one recommendation.
func (l *Log) TotalCost(ctx context.Context, recID string) (float64, error) {
	var total float64
	var err error
	if recID == "" {
		err = l.db.GetContext(ctx, &total, "SELECT COALESCE(SUM(usd), 0) FROM cost_entries")
	} else {
		err = l.db.GetContext(ctx, &total, l.db.Rebind("SELECT COALESCE(SUM(usd), 0) FROM cost_entries WHERE rec_id = ?"), recID)
	}
	if err != nil {
		return 0, fmt.Errorf("sum costs: %w", err)
	}
	return total, nil
}

// Reset drops all tables and re-applies the schema.
func (l *Log) Reset(ctx context.Context) error {
	for _, t := range []string{"cost_entries", "deployment_events", "schema_version"} {
		if _, err := l.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return l.Migrate(ctx)
}
