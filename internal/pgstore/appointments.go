package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

const appointmentCols = `id, uuid, therapist_id, treatment_id, customer_name, customer_phone,
	start_time, end_time, note, is_cancelled, created_at, updated_at`

// rowLockTimeout bounds how long a transaction waits for the therapist row.
const rowLockTimeout = "5s"

type bookingTx struct {
	tx pgx.Tx
}

// InTherapistTx runs fn in a transaction holding a row lock on the therapist,
// which serialises bookings for that therapist across processes.
func (s *Store) InTherapistTx(ctx context.Context, therapistID int64, fn func(store.BookingTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+rowLockTimeout+`'`); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM therapists WHERE id = $1 FOR UPDATE`, therapistID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("therapist %d: %w", therapistID, model.ErrNotFound)
	case contention(err):
		return fmt.Errorf("therapist %d: %w", therapistID, model.ErrConcurrentModification)
	case err != nil:
		return fmt.Errorf("lock therapist %d: %w", therapistID, err)
	}

	if err := fn(&bookingTx{tx: tx}); err != nil {
		if contention(err) {
			return fmt.Errorf("therapist %d: %w", therapistID, model.ErrConcurrentModification)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if contention(err) {
			return fmt.Errorf("therapist %d: %w", therapistID, model.ErrConcurrentModification)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *bookingTx) ListOccurrences(ctx context.Context, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	return listOccurrences(ctx, t.tx, f)
}

func (t *bookingTx) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	return listAppointments(ctx, t.tx, f)
}

func (t *bookingTx) HasOverlappingAppointment(ctx context.Context, therapistID int64, start, end time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE therapist_id = $1 AND start_time < $2 AND end_time > $3 AND NOT is_cancelled
		)`,
		therapistID, end.UTC(), start.UTC(),
	).Scan(&exists)
	return exists, err
}

func (t *bookingTx) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (uuid, therapist_id, treatment_id, customer_name, customer_phone, start_time, end_time, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		a.UUID, a.TherapistID, a.TreatmentID, a.CustomerName, a.CustomerPhone, a.StartTime.UTC(), a.EndTime.UTC(), a.Note,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *Store) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	return listAppointments(ctx, s.pool, f)
}

func listAppointments(ctx context.Context, q queryable, f store.AppointmentFilter) ([]model.Appointment, error) {
	query := `SELECT ` + appointmentCols + ` FROM appointments
		WHERE therapist_id = $1 AND start_time < $2 AND end_time > $3`
	if !f.IncludeCancelled {
		query += ` AND NOT is_cancelled`
	}
	query += ` ORDER BY start_time, id`

	rows, err := q.Query(ctx, query, f.TherapistID, f.To.UTC(), f.From.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("appointment", id, err)
	}
	return a, nil
}

func (s *Store) CancelAppointment(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE appointments SET is_cancelled = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel appointment %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanAppointment(row pgx.Row) (*model.Appointment, error) {
	var a model.Appointment
	if err := row.Scan(
		&a.ID, &a.UUID, &a.TherapistID, &a.TreatmentID, &a.CustomerName, &a.CustomerPhone,
		&a.StartTime, &a.EndTime, &a.Note, &a.IsCancelled, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return &a, nil
}
