package materialize

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"therapybook/internal/db"
	"therapybook/internal/events"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
)

type fixture struct {
	db        *db.DB
	m         *Materializer
	therapist *model.Therapist
}

func newFixture(t *testing.T, zone string) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	th := &model.Therapist{Nickname: "Mei", Timezone: zone, IsActive: true}
	require.NoError(t, database.CreateTherapist(context.Background(), th))

	m := New(database, 90, &logger)
	m.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return &fixture{db: database, m: m, therapist: th}
}

func (f *fixture) series(t *testing.T, kind model.SeriesKind, days []time.Weekday, start, end string) *model.Series {
	t.Helper()
	s := &model.Series{
		Kind:        kind,
		TherapistID: f.therapist.ID,
		Weekdays:    days,
		StartDate:   recurrence.NewDate(2024, 3, 4),
		StartTime:   recurrence.MustClock(start),
		EndTime:     recurrence.MustClock(end),
		IsActive:    true,
	}
	require.NoError(t, f.db.CreateSeries(context.Background(), s))
	return s
}

func (f *fixture) occurrences(t *testing.T, effectiveOnly bool) []model.Occurrence {
	t.Helper()
	occs, err := f.db.ListOccurrences(context.Background(), store.OccurrenceFilter{
		TherapistID:   f.therapist.ID,
		From:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EffectiveOnly: effectiveOnly,
	})
	require.NoError(t, err)
	return occs
}

var march = recurrence.Window{From: recurrence.NewDate(2024, 3, 1), To: recurrence.NewDate(2024, 3, 31)}

func TestMaterialize_Idempotent(t *testing.T) {
	f := newFixture(t, "Asia/Taipei")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday, time.Wednesday}, "09:00", "17:00")

	res, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	// Mondays 4,11,18,25 and Wednesdays 6,13,20,27.
	assert.Equal(t, Result{Created: 8}, res)

	occs := f.occurrences(t, false)
	require.Len(t, occs, 8)
	assert.Equal(t, time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC), occs[0].StartsAt)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), occs[0].EndsAt)
	assert.Equal(t, recurrence.NewDate(2024, 3, 4), occs[0].Date)

	res, err = f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 8}, res)
	assert.Len(t, f.occurrences(t, false), 8)
}

func TestMaterialize_ConcurrentRunsDoNotDuplicate(t *testing.T) {
	f := newFixture(t, "UTC")
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, "09:00", "17:00")

	const workers = 8
	results := make([]Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.m.Materialize(context.Background(), s, march)
		}()
	}
	wg.Wait()

	created := 0
	for i := range workers {
		require.NoError(t, errs[i])
		created += results[i].Created
	}
	// Mondays 4,11,18,25, Wednesdays 6,13,20,27, Fridays 8,15,22,29.
	assert.Equal(t, 12, created)

	occs := f.occurrences(t, false)
	assert.Len(t, occs, 12)
	seen := make(map[recurrence.Date]bool)
	for _, o := range occs {
		assert.False(t, seen[o.Date], "duplicate row for %s", o.Date)
		seen[o.Date] = true
	}
}

func TestMaterialize_SkipSurvivesRegeneration(t *testing.T) {
	f := newFixture(t, "Asia/Taipei")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday}, "09:00", "17:00")

	_, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)

	occs := f.occurrences(t, false)
	require.Len(t, occs, 4)
	skipped := occs[1]
	require.NoError(t, skipped.Transition(model.StatusSkipped))
	require.NoError(t, f.db.UpdateOccurrence(ctx, &skipped))

	// Change the rule's hours: the skipped row gets new bounds but stays skipped.
	s.StartTime = recurrence.MustClock("10:00")
	require.NoError(t, f.db.UpdateSeries(ctx, s))
	res, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Updated)
	assert.Zero(t, res.Created)

	got, err := f.db.GetOccurrence(ctx, skipped.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, got.Status)
	assert.Equal(t, time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC), got.StartsAt)

	assert.Len(t, f.occurrences(t, false), 4)
	assert.Len(t, f.occurrences(t, true), 3)
}

func TestMaterialize_OverrideUntouched(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday}, "09:00", "17:00")

	_, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)

	o := f.occurrences(t, false)[0]
	require.NoError(t, o.Transition(model.StatusOverridden))
	o.StartsAt = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.UpdateOccurrence(ctx, &o))

	s.EndTime = recurrence.MustClock("18:00")
	require.NoError(t, f.db.UpdateSeries(ctx, s))
	res, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 3, Unchanged: 1}, res)

	got, err := f.db.GetOccurrence(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOverridden, got.Status)
	assert.Equal(t, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), got.StartsAt)
	assert.Equal(t, time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC), got.EndsAt)
}

func TestMaterialize_RuleChangeRetiresAndRevives(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday, time.Friday}, "09:00", "17:00")

	res, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	// Mondays 4,11,18,25 and Fridays 8,15,22,29.
	assert.Equal(t, 8, res.Created)

	s.Weekdays = []time.Weekday{time.Monday}
	require.NoError(t, f.db.UpdateSeries(ctx, s))
	res, err = f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 4, Retired: 4}, res)
	assert.Len(t, f.occurrences(t, true), 4)
	assert.Len(t, f.occurrences(t, false), 8)

	s.Weekdays = []time.Weekday{time.Monday, time.Friday}
	require.NoError(t, f.db.UpdateSeries(ctx, s))
	res, err = f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 4, Unchanged: 4}, res)
	assert.Len(t, f.occurrences(t, true), 8)
}

func TestMaterialize_PastIsNotRetired(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday}, "09:00", "17:00")

	_, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)

	f.m.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }
	s.Weekdays = []time.Weekday{time.Tuesday}
	require.NoError(t, f.db.UpdateSeries(ctx, s))

	res, err := f.m.Materialize(ctx, s, march)
	require.NoError(t, err)
	// Mondays 18 and 25 are retired, 4 and 11 are history.
	assert.Equal(t, 2, res.Retired)

	var mondays []recurrence.Date
	for _, o := range f.occurrences(t, true) {
		if o.Date.Weekday() == time.Monday {
			mondays = append(mondays, o.Date)
		}
	}
	assert.Equal(t, []recurrence.Date{recurrence.NewDate(2024, 3, 4), recurrence.NewDate(2024, 3, 11)}, mondays)
}

func TestMaterialize_DSTKeepsLocalHours(t *testing.T) {
	f := newFixture(t, "Europe/Berlin")
	ctx := context.Background()
	s := f.series(t, model.KindWorkingHours, nil, "09:00", "17:00")
	s.Frequency = recurrence.Daily
	s.StartDate = recurrence.NewDate(2024, 3, 30)
	require.NoError(t, f.db.UpdateSeries(ctx, s))

	_, err := f.m.Materialize(ctx, s, recurrence.Window{From: recurrence.NewDate(2024, 3, 30), To: recurrence.NewDate(2024, 4, 1)})
	require.NoError(t, err)

	occs := f.occurrences(t, false)
	require.Len(t, occs, 3)
	// CET (+1) before the 31 March switch, CEST (+2) from it.
	assert.Equal(t, time.Date(2024, 3, 30, 8, 0, 0, 0, time.UTC), occs[0].StartsAt)
	assert.Equal(t, time.Date(2024, 3, 31, 7, 0, 0, 0, time.UTC), occs[1].StartsAt)
	assert.Equal(t, time.Date(2024, 4, 1, 7, 0, 0, 0, time.UTC), occs[2].StartsAt)
}

func TestMaterializeTherapist_BothKinds(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday}, "09:00", "17:00")
	off := f.series(t, model.KindTimeOff, []time.Weekday{time.Monday}, "12:00", "13:00")

	res, err := f.m.MaterializeTherapist(ctx, f.therapist.ID, march)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Created)

	require.NoError(t, f.db.DeactivateSeries(ctx, off.ID))
	res, err = f.m.MaterializeTherapist(ctx, f.therapist.ID, march)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Unchanged)
	assert.Equal(t, 4, res.Retired)

	for _, o := range f.occurrences(t, true) {
		assert.Equal(t, model.KindWorkingHours, o.Kind)
	}
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t, "UTC")
	ctx := context.Background()
	bus := events.NewEventBus()
	f.m.Subscribe(bus)

	s := f.series(t, model.KindTimeOff, []time.Weekday{time.Monday}, "12:00", "13:00")
	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.SeriesSaved, TherapistID: f.therapist.ID, SeriesID: s.ID}))
	// 90 days from 1 March holds 13 Mondays.
	assert.Len(t, f.occurrences(t, true), 13)

	require.NoError(t, f.db.DeleteSeries(ctx, s.ID))
	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.SeriesDeleted, TherapistID: f.therapist.ID, SeriesID: s.ID}))
	assert.Empty(t, f.occurrences(t, true))
	assert.Len(t, f.occurrences(t, false), 13)

	err := bus.Publish(ctx, events.Event{Type: events.SeriesSaved, TherapistID: f.therapist.ID, SeriesID: s.ID})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEnsureRange(t *testing.T) {
	f := newFixture(t, "Asia/Taipei")
	ctx := context.Background()
	f.series(t, model.KindWorkingHours, []time.Weekday{time.Monday}, "09:00", "17:00")

	// 2024-03-11 02:00 UTC is Monday 10:00 in Taipei.
	from := time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC)
	require.NoError(t, f.m.EnsureRange(ctx, f.therapist.ID, from, from.Add(time.Hour)))

	occs := f.occurrences(t, true)
	require.Len(t, occs, 1)
	assert.Equal(t, recurrence.NewDate(2024, 3, 11), occs[0].Date)
}

func TestDefaultWindow(t *testing.T) {
	logger := zerolog.Nop()
	m := New(nil, 0, &logger)
	m.now = func() time.Time { return time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC) }

	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	w := m.DefaultWindow(loc)
	assert.Equal(t, recurrence.NewDate(2024, 3, 2), w.From)
	assert.Equal(t, recurrence.NewDate(2024, 5, 30), w.To)
}
