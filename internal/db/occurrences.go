package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
)

const occurrenceColumns = `id, kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note, created_at, updated_at`

// UpsertGeneratedOccurrence inserts a generated row for (series, date) or refreshes
// its bounds. Overridden rows are left alone; skipped rows keep the skip and
// retired rows become generated again.
func (db *DB) UpsertGeneratedOccurrence(ctx context.Context, o *model.Occurrence) (store.UpsertResult, error) {
	if o == nil || o.SeriesID == nil {
		return store.Unchanged, fmt.Errorf("%w: generated occurrence needs a series", model.ErrInvalidArgument)
	}
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return store.Unchanged, err
	}

	start, end, now := ts(o.StartsAt), ts(o.EndsAt), ts(time.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedule_occurrences (
			kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'generated', ?, ?, ?)
		ON CONFLICT(series_id, occurrence_date) DO NOTHING`,
		o.Kind, o.TherapistID, *o.SeriesID, o.Date.String(), start, end, o.Note, now, now,
	)
	if err != nil {
		return store.Unchanged, writeErr(err, "insert occurrence %d/%s", *o.SeriesID, o.Date)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		o.ID, _ = res.LastInsertId()
		o.Status = model.StatusGenerated
		return store.Created, nil
	}

	res, err = db.ExecContext(ctx, `
		UPDATE schedule_occurrences
		SET starts_at = ?, ends_at = ?, updated_at = ?,
			status = CASE WHEN status = 'retired' THEN 'generated' ELSE status END
		WHERE series_id = ? AND occurrence_date = ?
		  AND status IN ('generated', 'skipped', 'retired')
		  AND (starts_at <> ? OR ends_at <> ? OR status = 'retired')`,
		start, end, now, *o.SeriesID, o.Date.String(), start, end,
	)
	if err != nil {
		return store.Unchanged, writeErr(err, "refresh occurrence %d/%s", *o.SeriesID, o.Date)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return store.Updated, nil
	}
	return store.Unchanged, nil
}

// RetireGeneratedOccurrences marks generated rows of the series inside w as
// retired unless their date is in keep.
func (db *DB) RetireGeneratedOccurrences(ctx context.Context, seriesID int64, w recurrence.Window, keep []recurrence.Date) (int64, error) {
	query := `
		UPDATE schedule_occurrences
		SET status = 'retired', updated_at = ?
		WHERE series_id = ? AND status = 'generated'
		  AND occurrence_date >= ? AND occurrence_date <= ?`
	args := []any{ts(time.Now()), seriesID, w.From.String(), w.To.String()}
	if len(keep) > 0 {
		query += ` AND occurrence_date NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, d := range keep {
			args = append(args, d.String())
		}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, writeErr(err, "retire occurrences of series %d", seriesID)
	}
	return res.RowsAffected()
}

func (db *DB) RetireOrphanedOccurrences(ctx context.Context, therapistID int64, from recurrence.Date) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE schedule_occurrences
		SET status = 'retired', updated_at = ?
		WHERE therapist_id = ? AND status = 'generated' AND occurrence_date >= ?
		  AND series_id NOT IN (SELECT id FROM schedule_series WHERE is_active = 1)`,
		ts(time.Now()), therapistID, from.String(),
	)
	if err != nil {
		return 0, writeErr(err, "retire orphaned occurrences of therapist %d", therapistID)
	}
	return res.RowsAffected()
}

func (db *DB) ListOccurrences(ctx context.Context, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	return listOccurrences(ctx, db, f)
}

func listOccurrences(ctx context.Context, q querier, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	query := `
		SELECT ` + occurrenceColumns + `
		FROM schedule_occurrences
		WHERE therapist_id = ? AND (? = '' OR kind = ?)
		  AND starts_at < ? AND ends_at > ?`
	if f.EffectiveOnly {
		query += ` AND status IN ('generated', 'overridden', 'standalone')`
	}
	query += ` ORDER BY starts_at, id`

	rows, err := q.QueryContext(ctx, query, f.TherapistID, string(f.Kind), string(f.Kind), ts(f.To), ts(f.From))
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

func (db *DB) GetOccurrence(ctx context.Context, id int64) (*model.Occurrence, error) {
	row := db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM schedule_occurrences WHERE id = ?`, id)
	o, err := scanOccurrence(row)
	if err != nil {
		return nil, notFound("occurrence", id, err)
	}
	return o, nil
}

// UpdateOccurrence stores a manual edit of status, bounds and note.
func (db *DB) UpdateOccurrence(ctx context.Context, o *model.Occurrence) error {
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return err
	}
	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		UPDATE schedule_occurrences
		SET status = ?, starts_at = ?, ends_at = ?, note = ?, updated_at = ?
		WHERE id = ?`,
		o.Status, ts(o.StartsAt), ts(o.EndsAt), o.Note, now, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update occurrence %d: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("occurrence %d: %w", o.ID, model.ErrNotFound)
	}
	o.UpdatedAt = now
	return nil
}

func (db *DB) CreateStandaloneOccurrence(ctx context.Context, o *model.Occurrence) error {
	if o == nil {
		return fmt.Errorf("occurrence is nil")
	}
	if err := model.CheckBounds(o.StartsAt, o.EndsAt); err != nil {
		return err
	}

	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedule_occurrences (
			kind, therapist_id, series_id, occurrence_date, starts_at, ends_at, status, note, created_at, updated_at
		) VALUES (?, ?, NULL, ?, ?, ?, 'standalone', ?, ?, ?)`,
		o.Kind, o.TherapistID, o.Date.String(), ts(o.StartsAt), ts(o.EndsAt), o.Note, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert standalone occurrence: %w", err)
	}
	o.ID, err = res.LastInsertId()
	o.SeriesID = nil
	o.Status = model.StatusStandalone
	o.CreatedAt, o.UpdatedAt = now, now
	return err
}

// DeleteStandaloneOccurrence removes a hand-made row. Generated rows cannot be deleted.
func (db *DB) DeleteStandaloneOccurrence(ctx context.Context, id int64) error {
	o, err := db.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != model.StatusStandalone {
		return fmt.Errorf("%w: occurrence %d is %s, skip it instead", model.ErrInvalidTransition, id, o.Status)
	}
	_, err = db.ExecContext(ctx, `DELETE FROM schedule_occurrences WHERE id = ? AND status = 'standalone'`, id)
	return err
}

func scanOccurrence(s scanner) (*model.Occurrence, error) {
	var (
		o              model.Occurrence
		seriesID       sql.NullInt64
		kind, status   string
		occurrenceDate string
	)
	if err := s.Scan(
		&o.ID, &kind, &o.TherapistID, &seriesID, &occurrenceDate,
		&o.StartsAt, &o.EndsAt, &status, &o.Note, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Kind = model.SeriesKind(kind)
	o.Status = model.OccurrenceStatus(status)
	if seriesID.Valid {
		id := seriesID.Int64
		o.SeriesID = &id
	}
	d, err := recurrence.ParseDate(occurrenceDate)
	if err != nil {
		return nil, fmt.Errorf("occurrence %d: %w", o.ID, err)
	}
	o.Date = d
	o.StartsAt = o.StartsAt.UTC()
	o.EndsAt = o.EndsAt.UTC()
	return &o, nil
}
