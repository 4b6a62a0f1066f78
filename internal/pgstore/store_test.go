package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"therapybook/internal/config"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
)

// newTestStore connects to THERAPYBOOK_TEST_PG_DSN and empties the tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("THERAPYBOOK_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("THERAPYBOOK_TEST_PG_DSN not set")
	}
	logger := zerolog.Nop()
	ctx := context.Background()
	s, err := Open(ctx, dsn, 4, 0, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.pool.Exec(ctx, `TRUNCATE appointments, schedule_occurrences, schedule_series, treatments, therapists RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func datetime(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func seed(t *testing.T, s *Store) (*model.Therapist, *model.Series, *model.Treatment) {
	t.Helper()
	ctx := context.Background()
	th := &model.Therapist{Nickname: "Mei", Timezone: "UTC", IsActive: true}
	require.NoError(t, s.CreateTherapist(ctx, th))

	sr := &model.Series{
		Kind:        model.KindWorkingHours,
		TherapistID: th.ID,
		Weekdays:    []time.Weekday{time.Monday},
		StartDate:   recurrence.NewDate(2024, 3, 4),
		StartTime:   recurrence.MustClock("09:00"),
		EndTime:     recurrence.MustClock("17:00"),
		IsActive:    true,
	}
	require.NoError(t, s.CreateSeries(ctx, sr))

	tr := &model.Treatment{TherapistID: th.ID, Name: "Massage", DurationMinutes: 60, PreparationMinutes: 10, IsActive: true}
	require.NoError(t, s.CreateTreatment(ctx, tr))
	return th, sr, tr
}

func TestSeriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sr, _ := seed(t, s)

	got, err := s.GetSeries(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, sr.StartDate, got.StartDate)
	assert.Equal(t, sr.Weekdays, got.Weekdays)
	assert.Equal(t, "09:00", got.StartTime.String())
	assert.Nil(t, got.RepeatUntil)

	require.NoError(t, s.DeactivateSeries(ctx, sr.ID))
	active, err := s.ListActiveSeries(ctx, sr.TherapistID, "")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetSeries(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertGeneratedOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th, sr, _ := seed(t, s)
	day := recurrence.NewDate(2024, 3, 4)

	occ := func(start, end time.Time) *model.Occurrence {
		id := sr.ID
		return &model.Occurrence{Kind: sr.Kind, TherapistID: th.ID, SeriesID: &id, Date: day, StartsAt: start, EndsAt: end}
	}

	first := occ(datetime(2024, 3, 4, 9, 0), datetime(2024, 3, 4, 17, 0))
	res, err := s.UpsertGeneratedOccurrence(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, store.Created, res)

	res, err = s.UpsertGeneratedOccurrence(ctx, occ(datetime(2024, 3, 4, 9, 0), datetime(2024, 3, 4, 17, 0)))
	require.NoError(t, err)
	assert.Equal(t, store.Unchanged, res)

	first.Status = model.StatusSkipped
	require.NoError(t, s.UpdateOccurrence(ctx, first))

	res, err = s.UpsertGeneratedOccurrence(ctx, occ(datetime(2024, 3, 4, 10, 0), datetime(2024, 3, 4, 18, 0)))
	require.NoError(t, err)
	assert.Equal(t, store.Updated, res)

	got, err := s.GetOccurrence(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, got.Status)
	assert.Equal(t, day, got.Date)
	assert.Equal(t, datetime(2024, 3, 4, 10, 0), got.StartsAt)
}

func TestInTherapistTx_Serialises(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th, _, tr := seed(t, s)

	book := func() error {
		return s.InTherapistTx(ctx, th.ID, func(tx store.BookingTx) error {
			start, end := datetime(2024, 3, 4, 10, 0), datetime(2024, 3, 4, 11, 10)
			busy, err := tx.HasOverlappingAppointment(ctx, th.ID, start, end)
			if err != nil {
				return err
			}
			if busy {
				return model.ErrSlotConflict
			}
			return tx.InsertAppointment(ctx, &model.Appointment{
				TherapistID: th.ID, TreatmentID: tr.ID, CustomerName: "Lin", CustomerPhone: "+886912345678",
				StartTime: start, EndTime: end,
			})
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = book()
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSlotConflict), errors.Is(err, model.ErrConcurrentModification):
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)

	err := s.InTherapistTx(ctx, 999, func(store.BookingTx) error { return nil })
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncRoster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	roster := &config.Roster{
		Therapists: []config.TherapistConfig{{
			UUID:     "6f1c2a9e-8d0b-4a57-9a43-0b5d7c1e2f3a",
			Nickname: "Mei",
			IsActive: true,
			WorkingHours: []config.SeriesConfig{{
				Key: "mei-weekdays", Frequency: "weekly", Weekdays: []string{"mon", "tue"},
				StartDate: "2024-03-04", Start: "09:00", End: "17:00",
			}},
			Treatments: []config.TreatmentConfig{{Name: "Massage", DurationMinutes: 60, IsActive: true}},
		}},
	}

	ids, err := s.SyncRoster(ctx, roster)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	th, err := s.GetTherapist(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTimezone, th.Timezone)

	active, err := s.ListActiveSeries(ctx, ids[0], model.KindWorkingHours)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "mei-weekdays", active[0].ExternalKey)

	treatments, err := s.ListTreatments(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, treatments, 1)
	assert.Equal(t, ids[0], treatments[0].TherapistID)

	roster.Therapists[0].WorkingHours = nil
	roster.Therapists[0].Treatments = nil
	_, err = s.SyncRoster(ctx, roster)
	require.NoError(t, err)

	active, err = s.ListActiveSeries(ctx, ids[0], "")
	require.NoError(t, err)
	assert.Empty(t, active)

	treatments, err = s.ListTreatments(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, treatments, 1)
	assert.False(t, treatments[0].IsActive)
}

func TestUpsertGeneratedOccurrence_Concurrent(t *testing.T) {
	s := newTestStore(t)
	th, sr, _ := seed(t, s)
	day := recurrence.NewDate(2024, 3, 4)

	const workers = 8
	results := make([]store.UpsertResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := sr.ID
			o := &model.Occurrence{
				Kind: sr.Kind, TherapistID: th.ID, SeriesID: &id, Date: day,
				StartsAt: datetime(2024, 3, 4, 9, 0), EndsAt: datetime(2024, 3, 4, 17, 0),
			}
			results[i], errs[i] = s.UpsertGeneratedOccurrence(context.Background(), o)
		}()
	}
	wg.Wait()

	created := 0
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i] == store.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	occs, err := s.ListOccurrences(context.Background(), store.OccurrenceFilter{
		TherapistID: th.ID, From: datetime(2024, 3, 4, 0, 0), To: datetime(2024, 3, 5, 0, 0),
	})
	require.NoError(t, err)
	assert.Len(t, occs, 1)
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := writeErr(tt.err, "insert occurrence %d/%s", 1, "2024-03-04")
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.retryable, errors.Is(err, model.ErrConcurrentModification))
			assert.Equal(t, tt.retryable, model.Retryable(err))
			assert.Contains(t, err.Error(), "insert occurrence 1/2024-03-04")
		})
	}
}
