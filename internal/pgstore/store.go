// Package pgstore is the PostgreSQL implementation of the scheduling store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store keeps schedules in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

// Open connects to databaseURL, verifies the connection and applies the schema.
func Open(ctx context.Context, databaseURL string, maxConns, minConns int32, logger *zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("Database initialized")
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS therapists (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT UNIQUE NOT NULL,
		nickname TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'Asia/Taipei',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS treatments (
		id BIGSERIAL PRIMARY KEY,
		therapist_id BIGINT NOT NULL REFERENCES therapists(id),
		name TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
		preparation_minutes INTEGER NOT NULL DEFAULT 0 CHECK (preparation_minutes >= 0),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (therapist_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_series (
		id BIGSERIAL PRIMARY KEY,
		therapist_id BIGINT NOT NULL REFERENCES therapists(id),
		kind TEXT NOT NULL CHECK (kind IN ('working_hours', 'time_off')),
		frequency TEXT NOT NULL CHECK (frequency IN ('daily', 'weekly')),
		repeat_interval INTEGER NOT NULL DEFAULT 1,
		weekdays TEXT NOT NULL DEFAULT '',
		start_date DATE NOT NULL,
		repeat_until DATE,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		external_key TEXT UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_occurrences (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('working_hours', 'time_off')),
		therapist_id BIGINT NOT NULL REFERENCES therapists(id),
		series_id BIGINT,
		occurrence_date DATE NOT NULL,
		starts_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('generated', 'overridden', 'skipped', 'standalone', 'retired')),
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (series_id, occurrence_date),
		CHECK ((series_id IS NULL) = (status = 'standalone')),
		CHECK (starts_at < ends_at)
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT UNIQUE NOT NULL,
		therapist_id BIGINT NOT NULL REFERENCES therapists(id),
		treatment_id BIGINT NOT NULL REFERENCES treatments(id),
		customer_name TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_series_therapist ON schedule_series(therapist_id, kind, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_range ON schedule_occurrences(therapist_id, kind, starts_at, ends_at)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_range ON appointments(therapist_id, start_time, end_time)`,
}

// Migrate applies the schema idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	for i, q := range schema {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// contention reports errors caused by competing transactions.
func contention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return true
		}
	}
	return false
}

// writeErr wraps a failed write. Contention with another transaction is
// reported as ErrConcurrentModification.
func writeErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if contention(err) {
		return fmt.Errorf("%s: %w: %w", msg, model.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func notFound(what string, id any, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, model.ErrNotFound)
	}
	return err
}

func dateValue(d recurrence.Date) time.Time {
	return d.Time()
}

func untilValue(d *recurrence.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time()
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ store.Store = (*Store)(nil)
