package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
)

const seriesColumns = `id, therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
	start_time, end_time, note, external_key, is_active, created_at, updated_at`

// CreateSeries validates and inserts a recurring rule.
func (db *DB) CreateSeries(ctx context.Context, s *model.Series) error {
	if s == nil {
		return fmt.Errorf("series is nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedule_series (
			therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
			start_time, end_time, note, external_key, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TherapistID, s.Kind, s.Frequency, s.Interval, model.FormatWeekdays(s.Weekdays),
		s.StartDate.String(), untilValue(s.RepeatUntil), s.StartTime.String(), s.EndTime.String(),
		s.Note, nullString(s.ExternalKey), boolInt(s.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert series: %w", err)
	}
	s.ID, err = res.LastInsertId()
	s.CreatedAt, s.UpdatedAt = now, now
	return err
}

// UpdateSeries rewrites the rule. Materialized rows are refreshed by the next materialization run.
func (db *DB) UpdateSeries(ctx context.Context, s *model.Series) error {
	if s == nil {
		return fmt.Errorf("series is nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		UPDATE schedule_series
		SET frequency = ?, repeat_interval = ?, weekdays = ?, start_date = ?, repeat_until = ?,
		    start_time = ?, end_time = ?, note = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		s.Frequency, s.Interval, model.FormatWeekdays(s.Weekdays), s.StartDate.String(),
		untilValue(s.RepeatUntil), s.StartTime.String(), s.EndTime.String(), s.Note,
		boolInt(s.IsActive), now, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update series %d: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %d: %w", s.ID, model.ErrNotFound)
	}
	s.UpdatedAt = now
	return nil
}

func (db *DB) GetSeries(ctx context.Context, id int64) (*model.Series, error) {
	row := db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM schedule_series WHERE id = ?`, id)
	s, err := scanSeries(row)
	if err != nil {
		return nil, notFound("series", id, err)
	}
	return s, nil
}

func (db *DB) ListActiveSeries(ctx context.Context, therapistID int64, kind model.SeriesKind) ([]model.Series, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+seriesColumns+`
		FROM schedule_series
		WHERE therapist_id = ? AND is_active = 1 AND (? = '' OR kind = ?)
		ORDER BY id`,
		therapistID, string(kind), string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeactivateSeries stops future generation. Existing occurrences are kept.
func (db *DB) DeactivateSeries(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE schedule_series SET is_active = 0, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate series %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// DeleteSeries removes the rule. Occurrences keep their series_id for audit.
func (db *DB) DeleteSeries(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM schedule_series WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete series %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("series %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanSeries(s scanner) (*model.Series, error) {
	var (
		out                 model.Series
		weekdays, startDate string
		startTime, endTime  string
		until, externalKey  sql.NullString
		kind, frequency     string
	)
	if err := s.Scan(
		&out.ID, &out.TherapistID, &kind, &frequency, &out.Interval, &weekdays, &startDate, &until,
		&startTime, &endTime, &out.Note, &externalKey, &out.IsActive, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	out.Kind = model.SeriesKind(kind)
	out.Frequency = recurrence.Frequency(frequency)
	out.ExternalKey = externalKey.String

	var err error
	if out.Weekdays, err = model.ParseWeekdays(weekdays); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	if out.StartDate, err = recurrence.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	if until.Valid {
		d, err := recurrence.ParseDate(until.String)
		if err != nil {
			return nil, fmt.Errorf("series %d: %w", out.ID, err)
		}
		out.RepeatUntil = &d
	}
	if out.StartTime, err = recurrence.ParseClock(startTime); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	if out.EndTime, err = recurrence.ParseClock(endTime); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	return &out, nil
}

func untilValue(d *recurrence.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
