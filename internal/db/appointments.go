package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

const appointmentColumns = `id, uuid, therapist_id, treatment_id, customer_name, customer_phone,
	start_time, end_time, note, is_cancelled, created_at, updated_at`

// Tx is a therapist-scoped write transaction.
type Tx struct {
	tx *sql.Tx
}

// InTherapistTx runs fn inside a BEGIN IMMEDIATE transaction. SQLite serialises
// all writers, which makes the read-check-insert sequence in fn atomic.
// Lock contention that outlives busy_timeout is reported as ErrConcurrentModification.
func (db *DB) InTherapistTx(ctx context.Context, therapistID int64, fn func(store.BookingTx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("therapist %d: %w", therapistID, model.ErrConcurrentModification)
		}
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("therapist %d: %w", therapistID, model.ErrConcurrentModification)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) ListOccurrences(ctx context.Context, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	return listOccurrences(ctx, t.tx, f)
}

func (t *Tx) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	return listAppointments(ctx, t.tx, f)
}

// HasOverlappingAppointment checks the half-open overlap start < other.end && other.start < end
// against non-cancelled appointments.
func (t *Tx) HasOverlappingAppointment(ctx context.Context, therapistID int64, start, end time.Time) (bool, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE therapist_id = ?
		AND start_time < ? AND end_time > ?
		AND is_cancelled = 0`,
		therapistID, ts(end), ts(start),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *Tx) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	now := ts(time.Now())
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO appointments (
			uuid, therapist_id, treatment_id, customer_name, customer_phone,
			start_time, end_time, note, is_cancelled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		a.UUID, a.TherapistID, a.TreatmentID, a.CustomerName, a.CustomerPhone,
		ts(a.StartTime), ts(a.EndTime), a.Note, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	a.CreatedAt, a.UpdatedAt = now, now
	return err
}

func (db *DB) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	return listAppointments(ctx, db, f)
}

func listAppointments(ctx context.Context, q querier, f store.AppointmentFilter) ([]model.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE therapist_id = ? AND start_time < ? AND end_time > ?`
	if !f.IncludeCancelled {
		query += ` AND is_cancelled = 0`
	}
	query += ` ORDER BY start_time, id`

	rows, err := q.QueryContext(ctx, query, f.TherapistID, ts(f.To), ts(f.From))
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

func (db *DB) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, notFound("appointment", id, err)
	}
	return a, nil
}

// CancelAppointment flags the appointment; the row is kept.
func (db *DB) CancelAppointment(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE appointments SET is_cancelled = 1, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("cancel appointment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanAppointment(s scanner) (*model.Appointment, error) {
	var a model.Appointment
	if err := s.Scan(
		&a.ID, &a.UUID, &a.TherapistID, &a.TreatmentID, &a.CustomerName, &a.CustomerPhone,
		&a.StartTime, &a.EndTime, &a.Note, &a.IsCancelled, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	return &a, nil
}
