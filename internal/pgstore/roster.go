package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"therapybook/internal/config"
	"therapybook/internal/model"
)

// SyncRoster applies the roster in one transaction and returns the ids of the
// therapists it lists.
func (s *Store) SyncRoster(ctx context.Context, r *config.Roster) ([]int64, error) {
	if r == nil {
		return nil, fmt.Errorf("roster is nil")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	synced := make([]int64, 0, len(r.Therapists))
	treatments := 0
	for _, th := range r.Therapists {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO therapists (uuid, nickname, timezone, is_active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (uuid) DO UPDATE SET
				nickname = EXCLUDED.nickname,
				timezone = EXCLUDED.timezone,
				is_active = EXCLUDED.is_active,
				updated_at = NOW()
			RETURNING id`,
			th.UUID, th.Nickname, th.TimezoneOrDefault(), th.IsActive,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("sync therapist %s: %w", th.UUID, err)
		}
		synced = append(synced, id)

		series, err := th.AllSeries(id)
		if err != nil {
			return nil, fmt.Errorf("therapist %s: %w", th.UUID, err)
		}
		keys := make([]string, 0, len(series))
		for _, sr := range series {
			if err := upsertSeriesByKey(ctx, tx, sr); err != nil {
				return nil, fmt.Errorf("sync series %s: %w", sr.ExternalKey, err)
			}
			keys = append(keys, sr.ExternalKey)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE schedule_series SET is_active = FALSE, updated_at = NOW()
			WHERE therapist_id = $1 AND external_key IS NOT NULL AND is_active
			  AND NOT (external_key = ANY($2))`,
			id, keys,
		); err != nil {
			return nil, fmt.Errorf("deactivate stale series of %s: %w", th.UUID, err)
		}

		if err := syncTreatments(ctx, tx, id, th.Treatments); err != nil {
			return nil, fmt.Errorf("therapist %s: %w", th.UUID, err)
		}
		treatments += len(th.Treatments)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE therapists SET is_active = FALSE, updated_at = NOW()
		WHERE is_active AND NOT (id = ANY($1))`,
		synced,
	); err != nil {
		return nil, fmt.Errorf("deactivate missing therapists: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit roster: %w", err)
	}

	s.logger.Info().Int("therapists", len(synced)).Int("treatments", treatments).Msg("roster synced")
	return synced, nil
}

func syncTreatments(ctx context.Context, tx pgx.Tx, therapistID int64, list []config.TreatmentConfig) error {
	names := make([]string, 0, len(list))
	for _, tr := range list {
		if _, err := tx.Exec(ctx, `
			INSERT INTO treatments (therapist_id, name, duration_minutes, preparation_minutes, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (therapist_id, name) DO UPDATE SET
				duration_minutes = EXCLUDED.duration_minutes,
				preparation_minutes = EXCLUDED.preparation_minutes,
				is_active = EXCLUDED.is_active,
				updated_at = NOW()`,
			therapistID, tr.Name, tr.DurationMinutes, tr.PreparationMinutes, tr.IsActive,
		); err != nil {
			return fmt.Errorf("sync treatment %s: %w", tr.Name, err)
		}
		names = append(names, tr.Name)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE treatments SET is_active = FALSE, updated_at = NOW()
		WHERE therapist_id = $1 AND is_active AND NOT (name = ANY($2))`,
		therapistID, names,
	); err != nil {
		return fmt.Errorf("deactivate missing treatments: %w", err)
	}
	return nil
}

func upsertSeriesByKey(ctx context.Context, tx pgx.Tx, sr *model.Series) error {
	if err := sr.Validate(); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO schedule_series (
			therapist_id, kind, frequency, repeat_interval, weekdays, start_date, repeat_until,
			start_time, end_time, note, external_key, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (external_key) DO UPDATE SET
			therapist_id = EXCLUDED.therapist_id,
			kind = EXCLUDED.kind,
			frequency = EXCLUDED.frequency,
			repeat_interval = EXCLUDED.repeat_interval,
			weekdays = EXCLUDED.weekdays,
			start_date = EXCLUDED.start_date,
			repeat_until = EXCLUDED.repeat_until,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			note = EXCLUDED.note,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		sr.TherapistID, string(sr.Kind), string(sr.Frequency), sr.Interval, model.FormatWeekdays(sr.Weekdays),
		dateValue(sr.StartDate), untilValue(sr.RepeatUntil), sr.StartTime.String(), sr.EndTime.String(),
		sr.Note, sr.ExternalKey, sr.IsActive,
	)
	return err
}
