package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
)

const occurrenceCols = `id, kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note, created_at, updated_at`

// UpsertGeneratedOccurrence inserts or refreshes the generated row for (series, date).
func (s *Store) UpsertGeneratedOccurrence(ctx context.Context, o *model.Occurrence) (store.UpsertResult, error) {
	if o == nil || o.SeriesID == nil {
		return store.Unchanged, fmt.Errorf("%w: generated occurrence needs a series", model.ErrInvalidArgument)
	}
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return store.Unchanged, err
	}

	start, end := o.StartsAt.UTC(), o.EndsAt.UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO schedule_occurrences (kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note)
		VALUES ($1, $2, $3, $4, $5, $6, 'generated', $7)
		ON CONFLICT (series_id, occurrence_date) DO NOTHING
		RETURNING id`,
		string(o.Kind), o.TherapistID, *o.SeriesID, dateValue(o.Date), start, end, o.Note,
	).Scan(&id)
	switch {
	case err == nil:
		o.ID = id
		o.Status = model.StatusGenerated
		return store.Created, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.Unchanged, writeErr(err, "insert occurrence %d/%s", *o.SeriesID, o.Date)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_occurrences
		SET starts_at = $3, ends_at = $4, updated_at = NOW(),
			status = CASE WHEN status = 'retired' THEN 'generated' ELSE status END
		WHERE series_id = $1 AND occurrence_date = $2
		  AND status IN ('generated', 'skipped', 'retired')
		  AND (starts_at <> $3 OR ends_at <> $4 OR status = 'retired')`,
		*o.SeriesID, dateValue(o.Date), start, end,
	)
	if err != nil {
		return store.Unchanged, writeErr(err, "refresh occurrence %d/%s", *o.SeriesID, o.Date)
	}
	if tag.RowsAffected() == 1 {
		return store.Updated, nil
	}
	return store.Unchanged, nil
}

func (s *Store) RetireGeneratedOccurrences(ctx context.Context, seriesID int64, w recurrence.Window, keep []recurrence.Date) (int64, error) {
	days := make([]time.Time, 0, len(keep))
	for _, d := range keep {
		days = append(days, dateValue(d))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_occurrences
		SET status = 'retired', updated_at = NOW()
		WHERE series_id = $1 AND status = 'generated'
		  AND occurrence_date BETWEEN $2 AND $3
		  AND NOT (occurrence_date = ANY($4::date[]))`,
		seriesID, dateValue(w.From), dateValue(w.To), days,
	)
	if err != nil {
		return 0, writeErr(err, "retire occurrences of series %d", seriesID)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RetireOrphanedOccurrences(ctx context.Context, therapistID int64, from recurrence.Date) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_occurrences o
		SET status = 'retired', updated_at = NOW()
		WHERE o.therapist_id = $1 AND o.status = 'generated' AND o.occurrence_date >= $2
		  AND NOT EXISTS (SELECT 1 FROM schedule_series s WHERE s.id = o.series_id AND s.is_active)`,
		therapistID, dateValue(from),
	)
	if err != nil {
		return 0, writeErr(err, "retire orphaned occurrences of therapist %d", therapistID)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListOccurrences(ctx context.Context, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	return listOccurrences(ctx, s.pool, f)
}

func listOccurrences(ctx context.Context, q queryable, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	query := `SELECT ` + occurrenceCols + ` FROM schedule_occurrences
		WHERE therapist_id = $1 AND ($2 = '' OR kind = $2) AND starts_at < $3 AND ends_at > $4`
	if f.EffectiveOnly {
		query += ` AND status IN ('generated', 'overridden', 'standalone')`
	}
	query += ` ORDER BY starts_at, id`

	rows, err := q.Query(ctx, query, f.TherapistID, string(f.Kind), f.To.UTC(), f.From.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) GetOccurrence(ctx context.Context, id int64) (*model.Occurrence, error) {
	o, err := scanOccurrence(s.pool.QueryRow(ctx, `SELECT `+occurrenceCols+` FROM schedule_occurrences WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("occurrence", id, err)
	}
	return o, nil
}

func (s *Store) UpdateOccurrence(ctx context.Context, o *model.Occurrence) error {
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_occurrences
		SET status = $2, starts_at = $3, ends_at = $4, note = $5, updated_at = NOW()
		WHERE id = $1`,
		o.ID, string(o.Status), o.StartsAt.UTC(), o.EndsAt.UTC(), o.Note,
	)
	if err != nil {
		return fmt.Errorf("update occurrence %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("occurrence %d: %w", o.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateStandaloneOccurrence(ctx context.Context, o *model.Occurrence) error {
	if o == nil {
		return fmt.Errorf("occurrence is nil")
	}
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO schedule_occurrences (kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note)
		VALUES ($1, $2, NULL, $3, $4, $5, 'standalone', $6)
		RETURNING id, created_at, updated_at`,
		string(o.Kind), o.TherapistID, dateValue(o.Date), o.StartsAt.UTC(), o.EndsAt.UTC(), o.Note,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert standalone occurrence: %w", err)
	}
	o.SeriesID = nil
	o.Status = model.StatusStandalone
	return nil
}

func (s *Store) DeleteStandaloneOccurrence(ctx context.Context, id int64) error {
	o, err := s.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != model.StatusStandalone {
		return fmt.Errorf("%w: occurrence %d is %s, skip it instead", model.ErrInvalidTransition, id, o.Status)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM schedule_occurrences WHERE id = $1 AND status = 'standalone'`, id)
	return err
}

func scanOccurrence(row pgx.Row) (*model.Occurrence, error) {
	var (
		o            model.Occurrence
		kind, status string
		day          time.Time
	)
	if err := row.Scan(&o.ID, &kind, &o.TherapistID, &o.SeriesID, &day,
		&o.StartsAt, &o.EndsAt, &status, &o.Note, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Kind = model.SeriesKind(kind)
	o.Status = model.OccurrenceStatus(status)
	o.Date = recurrence.DateOf(day)
	o.StartsAt = o.StartsAt.UTC()
	o.EndsAt = o.EndsAt.UTC()
	return &o, nil
}
