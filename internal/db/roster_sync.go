package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"therapybook/internal/config"
	"therapybook/internal/model"
)

// SyncRoster applies roster.yaml to the database. It upserts therapists by UUID,
// their treatments by name and series by key, deactivates roster-managed series
// and treatments that disappeared from the file and marks missing therapists
// inactive. It returns the
// ids of the therapists listed in the roster.
func (db *DB) SyncRoster(ctx context.Context, r *config.Roster) ([]int64, error) {
	if r == nil {
		return nil, fmt.Errorf("roster is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := ts(time.Now())
	var synced []int64
	treatments := 0
	seen := make(map[int64]struct{})

	for _, th := range r.Therapists {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO therapists (uuid, nickname, timezone, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				nickname = excluded.nickname,
				timezone = excluded.timezone,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at`,
			th.UUID, th.Nickname, th.TimezoneOrDefault(), boolInt(th.IsActive), now, now,
		); err != nil {
			return nil, fmt.Errorf("sync therapist %s: %w", th.UUID, err)
		}

		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM therapists WHERE uuid = ?`, th.UUID).Scan(&id); err != nil {
			return nil, fmt.Errorf("lookup therapist %s: %w", th.UUID, err)
		}
		seen[id] = struct{}{}
		synced = append(synced, id)

		series, err := th.AllSeries(id)
		if err != nil {
			return nil, fmt.Errorf("therapist %s: %w", th.UUID, err)
		}
		keys := make(map[string]struct{}, len(series))
		for _, s := range series {
			if err := upsertSeriesByKey(ctx, tx, s, now); err != nil {
				return nil, fmt.Errorf("sync series %s: %w", s.ExternalKey, err)
			}
			keys[s.ExternalKey] = struct{}{}
		}

		if err := deactivateMissingSeries(ctx, tx, id, keys, now); err != nil {
			return nil, err
		}

		if err := syncTreatments(ctx, tx, id, th.Treatments, now); err != nil {
			return nil, fmt.Errorf("therapist %s: %w", th.UUID, err)
		}
		treatments += len(th.Treatments)
	}

	// Deactivate therapists that disappeared from the roster.
	ids, err := queryIDs(ctx, tx, `SELECT id FROM therapists WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE therapists SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return nil, fmt.Errorf("deactivate therapist %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit roster: %w", err)
	}

	db.logger.Info().Int("therapists", len(synced)).Int("treatments", treatments).Msg("roster synced")
	return synced, nil
}

func upsertSeriesByKey(ctx context.Context, q querier, s *model.Series, now time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO schedule_series (
			therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
			start_time, end_time, note, external_key, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_key) DO UPDATE SET
			therapist_id = excluded.therapist_id,
			kind = excluded.kind,
			frequency = excluded.frequency,
			repeat_interval = excluded.repeat_interval,
			weekdays = excluded.weekdays,
			start_date = excluded.start_date,
			repeat_until = excluded.repeat_until,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			note = excluded.note,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		s.TherapistID, s.Kind, s.Frequency, s.Interval, model.FormatWeekdays(s.Weekdays),
		s.StartDate.String(), untilValue(s.RepeatUntil), s.StartTime.String(), s.EndTime.String(),
		s.Note, s.ExternalKey, boolInt(s.IsActive), now, now,
	)
	return err
}

func deactivateMissingSeries(ctx context.Context, q querier, therapistID int64, keep map[string]struct{}, now time.Time) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, external_key FROM schedule_series
		WHERE therapist_id = ? AND external_key IS NOT NULL AND is_active = 1`,
		therapistID,
	)
	if err != nil {
		return err
	}
	var stale []int64
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[key]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := q.ExecContext(ctx, `UPDATE schedule_series SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("deactivate series %d: %w", id, err)
		}
	}
	return nil
}

// syncTreatments upserts the therapist's treatments by name and deactivates
// the ones no longer listed.
func syncTreatments(ctx context.Context, q querier, therapistID int64, list []config.TreatmentConfig, now time.Time) error {
	names := make([]any, 0, len(list)+2)
	names = append(names, now, therapistID)
	for _, tr := range list {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO treatments (therapist_id, name, duration_minutes, preparation_minutes, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(therapist_id, name) DO UPDATE SET
				duration_minutes = excluded.duration_minutes,
				preparation_minutes = excluded.preparation_minutes,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at`,
			therapistID, tr.Name, tr.DurationMinutes, tr.PreparationMinutes, boolInt(tr.IsActive), now, now,
		); err != nil {
			return fmt.Errorf("sync treatment %s: %w", tr.Name, err)
		}
		names = append(names, tr.Name)
	}

	query := `UPDATE treatments SET is_active = 0, updated_at = ? WHERE therapist_id = ? AND is_active = 1`
	if len(list) > 0 {
		query += ` AND name NOT IN (?` + strings.Repeat(`, ?`, len(list)-1) + `)`
	}
	if _, err := q.ExecContext(ctx, query, names...); err != nil {
		return fmt.Errorf("deactivate missing treatments: %w", err)
	}
	return nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
