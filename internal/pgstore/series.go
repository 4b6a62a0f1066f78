package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
)

const seriesCols = `id, therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
	start_time, end_time, note, external_key, is_active, created_at, updated_at`

func (s *Store) CreateSeries(ctx context.Context, sr *model.Series) error {
	if sr == nil {
		return fmt.Errorf("series is nil")
	}
	if err := sr.Validate(); err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO schedule_series (
			therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
			start_time, end_time, note, external_key, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at, updated_at`,
		sr.TherapistID, string(sr.Kind), string(sr.Frequency), sr.Interval, model.FormatWeekdays(sr.Weekdays),
		dateValue(sr.StartDate), untilValue(sr.RepeatUntil), sr.StartTime.String(), sr.EndTime.String(),
		sr.Note, nullString(sr.ExternalKey), sr.IsActive,
	).Scan(&sr.ID, &sr.CreatedAt, &sr.UpdatedAt)
}

func (s *Store) UpdateSeries(ctx context.Context, sr *model.Series) error {
	if sr == nil {
		return fmt.Errorf("series is nil")
	}
	if err := sr.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_series
		SET frequency=$2, repeat_interval=$3, weekdays=$4, start_date=$5, repeat_until=$6,
			start_time=$7, end_time=$8, note=$9, is_active=$10, updated_at=NOW()
		WHERE id = $1`,
		sr.ID, string(sr.Frequency), sr.Interval, model.FormatWeekdays(sr.Weekdays), dateValue(sr.StartDate),
		untilValue(sr.RepeatUntil), sr.StartTime.String(), sr.EndTime.String(), sr.Note, sr.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update series %d: %w", sr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", sr.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) GetSeries(ctx context.Context, id int64) (*model.Series, error) {
	sr, err := scanSeries(s.pool.QueryRow(ctx, `SELECT `+seriesCols+` FROM schedule_series WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("series", id, err)
	}
	return sr, nil
}

func (s *Store) ListActiveSeries(ctx context.Context, therapistID int64, kind model.SeriesKind) ([]model.Series, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+seriesCols+` FROM schedule_series
		WHERE therapist_id = $1 AND is_active AND ($2 = '' OR kind = $2)
		ORDER BY id`,
		therapistID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateSeries(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedule_series SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate series %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSeries(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedule_series WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete series %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanSeries(row pgx.Row) (*model.Series, error) {
	var (
		out                model.Series
		kind, frequency    string
		weekdays           string
		startDate          time.Time
		until              *time.Time
		startTime, endTime string
		externalKey        *string
	)
	if err := row.Scan(
		&out.ID, &out.TherapistID, &kind, &frequency, &out.Interval, &weekdays, &startDate, &until,
		&startTime, &endTime, &out.Note, &externalKey, &out.IsActive, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	out.Kind = model.SeriesKind(kind)
	out.Frequency = recurrence.Frequency(frequency)
	out.StartDate = recurrence.DateOf(startDate)
	if until != nil {
		d := recurrence.DateOf(*until)
		out.RepeatUntil = &d
	}
	if externalKey != nil {
		out.ExternalKey = *externalKey
	}

	var err error
	if out.Weekdays, err = model.ParseWeekdays(weekdays); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	if out.StartTime, err = recurrence.ParseClock(startTime); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	if out.EndTime, err = recurrence.ParseClock(endTime); err != nil {
		return nil, fmt.Errorf("series %d: %w", out.ID, err)
	}
	return &out, nil
}
