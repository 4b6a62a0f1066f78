// Package db is the SQLite implementation of the scheduling store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

// DB wraps sql.DB for the scheduling store.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens the database at path and runs migrations.
// Transactions start with BEGIN IMMEDIATE so concurrent writers queue on the
// database lock instead of failing at commit.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS therapists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			nickname TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'Asia/Taipei',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS treatments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			therapist_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			preparation_minutes INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (therapist_id, name),
			FOREIGN KEY (therapist_id) REFERENCES therapists(id)
		)`,

		// Working-hours and time-off rules share one table, told apart by kind.
		`CREATE TABLE IF NOT EXISTS schedule_series (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			therapist_id INTEGER NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('working_hours', 'time_off')),
			frequency TEXT NOT NULL CHECK (frequency IN ('daily', 'weekly')),
			repeat_interval INTEGER NOT NULL DEFAULT 1,
			weekdays TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL,
			repeat_until TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			external_key TEXT UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (therapist_id) REFERENCES therapists(id)
		)`,

		// series_id is a weak reference: deleting a rule keeps its history.
		// NULL series ids are distinct, so standalone rows never collide.
		`CREATE TABLE IF NOT EXISTS schedule_occurrences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('working_hours', 'time_off')),
			therapist_id INTEGER NOT NULL,
			series_id INTEGER,
			occurrence_date TEXT NOT NULL,
			starts_at DATETIME NOT NULL,
			ends_at DATETIME NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('generated', 'overridden', 'skipped', 'standalone', 'retired')),
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (series_id, occurrence_date),
			CHECK ((series_id IS NULL) = (status = 'standalone')),
			FOREIGN KEY (therapist_id) REFERENCES therapists(id)
		)`,

		`CREATE TABLE IF NOT EXISTS appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			therapist_id INTEGER NOT NULL,
			treatment_id INTEGER NOT NULL,
			customer_name TEXT NOT NULL,
			customer_phone TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			is_cancelled BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (therapist_id) REFERENCES therapists(id),
			FOREIGN KEY (treatment_id) REFERENCES treatments(id)
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_series_therapist ON schedule_series(therapist_id, kind, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_range ON schedule_occurrences(therapist_id, kind, starts_at, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_range ON appointments(therapist_id, start_time, end_time)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// ts normalises instants before they are written or compared. go-sqlite3 stores
// time.Time as text, so all values must share the UTC offset and precision for
// lexical comparison to match chronological order.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// isBusy reports lock contention surfaced by SQLite after busy_timeout elapsed.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// writeErr wraps a failed write. Lock contention is reported as
// ErrConcurrentModification so callers can retry.
func writeErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if isBusy(err) {
		return fmt.Errorf("%s: %w: %w", msg, model.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func notFound(what string, id any, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, model.ErrNotFound)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*DB)(nil)
