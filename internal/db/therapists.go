package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"therapybook/internal/model"
)

const therapistColumns = `id, uuid, nickname, timezone, is_active, created_at, updated_at`

// CreateTherapist inserts a therapist. A missing UUID is generated.
func (db *DB) CreateTherapist(ctx context.Context, t *model.Therapist) error {
	if t == nil {
		return fmt.Errorf("therapist is nil")
	}
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.Timezone == "" {
		t.Timezone = model.DefaultTimezone
	}
	if _, err := t.Location(); err != nil {
		return err
	}

	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO therapists (uuid, nickname, timezone, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.UUID, t.Nickname, t.Timezone, boolInt(t.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert therapist: %w", err)
	}
	t.ID, err = res.LastInsertId()
	t.CreatedAt, t.UpdatedAt = now, now
	return err
}

func (db *DB) GetTherapist(ctx context.Context, id int64) (*model.Therapist, error) {
	row := db.QueryRowContext(ctx, `SELECT `+therapistColumns+` FROM therapists WHERE id = ?`, id)
	t, err := scanTherapist(row)
	if err != nil {
		return nil, notFound("therapist", id, err)
	}
	return t, nil
}

func (db *DB) GetTherapistByUUID(ctx context.Context, id string) (*model.Therapist, error) {
	row := db.QueryRowContext(ctx, `SELECT `+therapistColumns+` FROM therapists WHERE uuid = ?`, id)
	t, err := scanTherapist(row)
	if err != nil {
		return nil, notFound("therapist", id, err)
	}
	return t, nil
}

func (db *DB) ListActiveTherapists(ctx context.Context) ([]model.Therapist, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+therapistColumns+` FROM therapists WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Therapist
	for rows.Next() {
		t, err := scanTherapist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTherapist(s scanner) (*model.Therapist, error) {
	var t model.Therapist
	if err := s.Scan(&t.ID, &t.UUID, &t.Nickname, &t.Timezone, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

const treatmentColumns = `id, therapist_id, name, duration_minutes, preparation_minutes, is_active, created_at, updated_at`

func (db *DB) CreateTreatment(ctx context.Context, t *model.Treatment) error {
	if t == nil {
		return fmt.Errorf("treatment is nil")
	}
	if t.TherapistID <= 0 {
		return fmt.Errorf("%w: treatment needs a therapist", model.ErrInvalidArgument)
	}
	if t.DurationMinutes <= 0 || t.PreparationMinutes < 0 {
		return fmt.Errorf("%w: treatment durations must be positive", model.ErrInvalidArgument)
	}

	now := ts(time.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO treatments (therapist_id, name, duration_minutes, preparation_minutes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TherapistID, t.Name, t.DurationMinutes, t.PreparationMinutes, boolInt(t.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert treatment: %w", err)
	}
	t.ID, err = res.LastInsertId()
	t.CreatedAt, t.UpdatedAt = now, now
	return err
}

func (db *DB) GetTreatment(ctx context.Context, id int64) (*model.Treatment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+treatmentColumns+` FROM treatments WHERE id = ?`, id)
	t, err := scanTreatment(row)
	if err != nil {
		return nil, notFound("treatment", id, err)
	}
	return t, nil
}

// ListTreatments returns the treatments offered by a therapist, inactive ones included.
func (db *DB) ListTreatments(ctx context.Context, therapistID int64) ([]model.Treatment, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+treatmentColumns+` FROM treatments WHERE therapist_id = ? ORDER BY name`, therapistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTreatment(s scanner) (*model.Treatment, error) {
	var t model.Treatment
	if err := s.Scan(&t.ID, &t.TherapistID, &t.Name, &t.DurationMinutes, &t.PreparationMinutes, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
