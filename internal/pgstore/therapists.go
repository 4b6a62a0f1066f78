package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"therapybook/internal/model"
)

const therapistCols = `id, uuid, nickname, timezone, is_active, created_at, updated_at`

func (s *Store) CreateTherapist(ctx context.Context, t *model.Therapist) error {
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
	return s.pool.QueryRow(ctx, `
		INSERT INTO therapists (uuid, nickname, timezone, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		t.UUID, t.Nickname, t.Timezone, t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (s *Store) GetTherapist(ctx context.Context, id int64) (*model.Therapist, error) {
	t, err := scanTherapist(s.pool.QueryRow(ctx, `SELECT `+therapistCols+` FROM therapists WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("therapist", id, err)
	}
	return t, nil
}

func (s *Store) GetTherapistByUUID(ctx context.Context, id string) (*model.Therapist, error) {
	t, err := scanTherapist(s.pool.QueryRow(ctx, `SELECT `+therapistCols+` FROM therapists WHERE uuid = $1`, id))
	if err != nil {
		return nil, notFound("therapist", id, err)
	}
	return t, nil
}

func (s *Store) ListActiveTherapists(ctx context.Context) ([]model.Therapist, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+therapistCols+` FROM therapists WHERE is_active ORDER BY id`)
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

func scanTherapist(row pgx.Row) (*model.Therapist, error) {
	var t model.Therapist
	err := row.Scan(&t.ID, &t.UUID, &t.Nickname, &t.Timezone, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

const treatmentCols = `id, therapist_id, name, duration_minutes, preparation_minutes, is_active, created_at, updated_at`

func (s *Store) CreateTreatment(ctx context.Context, t *model.Treatment) error {
	if t == nil {
		return fmt.Errorf("treatment is nil")
	}
	if t.TherapistID <= 0 {
		return fmt.Errorf("%w: treatment needs a therapist", model.ErrInvalidArgument)
	}
	if t.DurationMinutes <= 0 || t.PreparationMinutes < 0 {
		return fmt.Errorf("%w: treatment durations must be positive", model.ErrInvalidArgument)
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO treatments (therapist_id, name, duration_minutes, preparation_minutes, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		t.TherapistID, t.Name, t.DurationMinutes, t.PreparationMinutes, t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (s *Store) GetTreatment(ctx context.Context, id int64) (*model.Treatment, error) {
	t, err := scanTreatment(s.pool.QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("treatment", id, err)
	}
	return t, nil
}

func (s *Store) ListTreatments(ctx context.Context, therapistID int64) ([]model.Treatment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+treatmentCols+` FROM treatments WHERE therapist_id = $1 ORDER BY name`, therapistID)
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

func scanTreatment(row pgx.Row) (*model.Treatment, error) {
	var t model.Treatment
	err := row.Scan(&t.ID, &t.TherapistID, &t.Name, &t.DurationMinutes, &t.PreparationMinutes, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}
