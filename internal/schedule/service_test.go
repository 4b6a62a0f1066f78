package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"therapybook/internal/db"
	"therapybook/internal/events"
	"therapybook/internal/materialize"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
	"therapybook/internal/tzconv"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetTherapist(ctx context.Context, id int64) (*model.Therapist, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Therapist), args.Error(1)
}
func (m *mockStore) CreateSeries(ctx context.Context, s *model.Series) error {
	return m.Called(ctx, s).Error(0)
}
func (m *mockStore) UpdateSeries(ctx context.Context, s *model.Series) error {
	return m.Called(ctx, s).Error(0)
}
func (m *mockStore) GetSeries(ctx context.Context, id int64) (*model.Series, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Series), args.Error(1)
}
func (m *mockStore) DeactivateSeries(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockStore) DeleteSeries(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockStore) GetOccurrence(ctx context.Context, id int64) (*model.Occurrence, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Occurrence), args.Error(1)
}
func (m *mockStore) UpdateOccurrence(ctx context.Context, o *model.Occurrence) error {
	return m.Called(ctx, o).Error(0)
}
func (m *mockStore) CreateStandaloneOccurrence(ctx context.Context, o *model.Occurrence) error {
	return m.Called(ctx, o).Error(0)
}
func (m *mockStore) DeleteStandaloneOccurrence(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

// recorder collects published events.
type recorder struct {
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return r.err
}

func newMockService() (*Service, *mockStore, *recorder) {
	m := new(mockStore)
	rec := &recorder{}
	logger := zerolog.Nop()
	return NewService(m, rec, &logger), m, rec
}

func taipei() *model.Therapist {
	return &model.Therapist{ID: 1, Timezone: "Asia/Taipei", IsActive: true}
}

func TestCreateSeries_PublishesSaved(t *testing.T) {
	svc, m, rec := newMockService()
	m.On("GetTherapist", mock.Anything, int64(1)).Return(taipei(), nil)
	m.On("CreateSeries", mock.Anything, mock.AnythingOfType("*model.Series")).
		Run(func(args mock.Arguments) { args.Get(1).(*model.Series).ID = 42 }).
		Return(nil)

	s := &model.Series{
		Kind:        model.KindWorkingHours,
		TherapistID: 1,
		StartDate:   recurrence.NewDate(2024, 3, 4),
		StartTime:   recurrence.MustClock("09:00"),
		EndTime:     recurrence.MustClock("17:00"),
		IsActive:    true,
	}
	require.NoError(t, svc.CreateSeries(context.Background(), s))
	assert.Equal(t, recurrence.Weekly, s.Frequency)
	assert.Equal(t, 1, s.Interval)
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.SeriesSaved, rec.events[0].Type)
	assert.Equal(t, int64(42), rec.events[0].SeriesID)
	m.AssertExpectations(t)
}

func TestCreateSeries_Rejects(t *testing.T) {
	svc, m, rec := newMockService()
	m.On("GetTherapist", mock.Anything, int64(2)).Return(&model.Therapist{ID: 2, Timezone: "UTC"}, nil)

	err := svc.CreateSeries(context.Background(), &model.Series{
		Kind: model.KindTimeOff, TherapistID: 1,
		StartDate: recurrence.NewDate(2024, 3, 4),
		StartTime: recurrence.MustClock("17:00"), EndTime: recurrence.MustClock("09:00"),
	})
	assert.ErrorIs(t, err, model.ErrInvalidSeries)

	err = svc.CreateSeries(context.Background(), &model.Series{
		Kind: model.KindTimeOff, TherapistID: 2,
		StartDate: recurrence.NewDate(2024, 3, 4),
		StartTime: recurrence.MustClock("09:00"), EndTime: recurrence.MustClock("10:00"),
	})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Empty(t, rec.events)
	m.AssertNotCalled(t, "CreateSeries", mock.Anything, mock.Anything)
}

func TestUpdateSeries_FixedOwnerAndKind(t *testing.T) {
	svc, m, rec := newMockService()
	stored := &model.Series{
		ID: 7, Kind: model.KindWorkingHours, TherapistID: 1,
		StartDate: recurrence.NewDate(2024, 3, 4),
		StartTime: recurrence.MustClock("09:00"), EndTime: recurrence.MustClock("17:00"),
		IsActive: true,
	}
	m.On("GetSeries", mock.Anything, int64(7)).Return(stored, nil)

	tests := []struct {
		name   string
		mutate func(*model.Series)
	}{
		{"kind", func(s *model.Series) { s.Kind = model.KindTimeOff }},
		{"therapist", func(s *model.Series) { s.TherapistID = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edit := *stored
			tt.mutate(&edit)
			err := svc.UpdateSeries(context.Background(), &edit)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
	assert.Empty(t, rec.events)
	m.AssertNotCalled(t, "UpdateSeries", mock.Anything, mock.Anything)
}

func TestSkipOccurrence(t *testing.T) {
	svc, m, rec := newMockService()
	seriesID := int64(5)
	m.On("GetOccurrence", mock.Anything, int64(9)).Return(&model.Occurrence{
		ID: 9, TherapistID: 1, SeriesID: &seriesID, Status: model.StatusGenerated,
	}, nil)
	m.On("GetOccurrence", mock.Anything, int64(10)).Return(&model.Occurrence{
		ID: 10, TherapistID: 1, Status: model.StatusStandalone,
	}, nil)
	m.On("UpdateOccurrence", mock.Anything, mock.MatchedBy(func(o *model.Occurrence) bool {
		return o.ID == 9 && o.Status == model.StatusSkipped
	})).Return(nil)

	o, err := svc.SkipOccurrence(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, o.Status)
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.OccurrenceChanged, rec.events[0].Type)
	assert.Equal(t, seriesID, rec.events[0].SeriesID)

	_, err = svc.SkipOccurrence(context.Background(), 10)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	m.AssertExpectations(t)
}

func TestOverrideOccurrence_LocalBounds(t *testing.T) {
	svc, m, _ := newMockService()
	seriesID := int64(5)
	m.On("GetOccurrence", mock.Anything, int64(9)).Return(&model.Occurrence{
		ID: 9, TherapistID: 1, SeriesID: &seriesID, Status: model.StatusGenerated,
		Date: recurrence.NewDate(2024, 3, 4),
	}, nil)
	m.On("GetTherapist", mock.Anything, int64(1)).Return(taipei(), nil)
	m.On("UpdateOccurrence", mock.Anything, mock.Anything).Return(nil)

	day := recurrence.NewDate(2024, 3, 4)
	o, err := svc.OverrideOccurrence(context.Background(), 9,
		tzconv.At(day, recurrence.MustClock("10:00")), tzconv.At(day, recurrence.MustClock("14:00")), "late start")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOverridden, o.Status)
	assert.Equal(t, time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC), o.StartsAt)
	assert.Equal(t, time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), o.EndsAt)
	assert.Equal(t, "late start", o.Note)

	_, err = svc.OverrideOccurrence(context.Background(), 9,
		tzconv.At(day, recurrence.MustClock("14:00")), tzconv.At(day, recurrence.MustClock("10:00")), "")
	assert.ErrorIs(t, err, model.ErrInvalidRange)
}

func TestPublishFailureIsReported(t *testing.T) {
	svc, m, rec := newMockService()
	rec.err = errors.New("materializer down")
	m.On("GetSeries", mock.Anything, int64(3)).Return(&model.Series{ID: 3, TherapistID: 1}, nil)
	m.On("DeactivateSeries", mock.Anything, int64(3)).Return(nil)

	err := svc.DeactivateSeries(context.Background(), 3)
	assert.ErrorIs(t, err, rec.err)
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.SeriesDeactivated, rec.events[0].Type)
}

// newWiredService runs the service against SQLite with the materializer
// subscribed, as the application does.
func newWiredService(t *testing.T) (*Service, *db.DB, *model.Therapist) {
	t.Helper()
	logger := zerolog.Nop()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "schedule.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	th := &model.Therapist{Nickname: "Mei", Timezone: "UTC", IsActive: true}
	require.NoError(t, d.CreateTherapist(context.Background(), th))

	bus := events.NewEventBus()
	materialize.New(d, 14, &logger).Subscribe(bus)
	return NewService(d, bus, &logger), d, th
}

func listDay(t *testing.T, d *db.DB, therapistID int64, day recurrence.Date, effective bool) []model.Occurrence {
	t.Helper()
	from, to := tzconv.DayBounds(day, time.UTC)
	occs, err := d.ListOccurrences(context.Background(), store.OccurrenceFilter{
		TherapistID: therapistID, From: from, To: to, EffectiveOnly: effective,
	})
	require.NoError(t, err)
	return occs
}

func TestSeriesLifecycle(t *testing.T) {
	svc, d, th := newWiredService(t)
	ctx := context.Background()
	today := recurrence.DateOf(time.Now().UTC())
	tomorrow := today.AddDays(1)

	s := &model.Series{
		Kind:        model.KindWorkingHours,
		TherapistID: th.ID,
		Frequency:   recurrence.Daily,
		StartDate:   today,
		StartTime:   recurrence.MustClock("09:00"),
		EndTime:     recurrence.MustClock("17:00"),
		IsActive:    true,
	}
	require.NoError(t, svc.CreateSeries(ctx, s))

	occs := listDay(t, d, th.ID, tomorrow, true)
	require.Len(t, occs, 1)
	skipped, err := svc.SkipOccurrence(ctx, occs[0].ID)
	require.NoError(t, err)

	// Editing the rule keeps the skip and moves everything else.
	s.StartTime = recurrence.MustClock("10:00")
	require.NoError(t, svc.UpdateSeries(ctx, s))
	assert.Empty(t, listDay(t, d, th.ID, tomorrow, true))
	stored, err := d.GetOccurrence(ctx, skipped.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, stored.Status)

	dayAfter := listDay(t, d, th.ID, tomorrow.AddDays(1), true)
	require.Len(t, dayAfter, 1)
	assert.Equal(t, 10, dayAfter[0].StartsAt.Hour())

	restored, err := svc.RestoreOccurrence(ctx, skipped.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerated, restored.Status)
	assert.Equal(t, 10, restored.StartsAt.Hour())

	// Deactivation retires future rows but keeps them.
	require.NoError(t, svc.DeactivateSeries(ctx, s.ID))
	assert.Empty(t, listDay(t, d, th.ID, tomorrow, true))
	all := listDay(t, d, th.ID, tomorrow, false)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusRetired, all[0].Status)

	_, err = svc.SkipOccurrence(ctx, all[0].ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestStandaloneOccurrences(t *testing.T) {
	svc, d, th := newWiredService(t)
	ctx := context.Background()
	day := recurrence.DateOf(time.Now().UTC()).AddDays(2)

	o, err := svc.AddStandaloneOccurrence(ctx, th.ID, model.KindTimeOff,
		tzconv.At(day, recurrence.MustClock("13:00")), tzconv.At(day, recurrence.MustClock("14:00")), "dentist")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStandalone, o.Status)
	require.Len(t, listDay(t, d, th.ID, day, true), 1)

	moved, err := svc.OverrideOccurrence(ctx, o.ID,
		tzconv.At(day, recurrence.MustClock("15:00")), tzconv.At(day, recurrence.MustClock("16:00")), "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStandalone, moved.Status)
	assert.Equal(t, "dentist", moved.Note)

	require.NoError(t, svc.RemoveStandaloneOccurrence(ctx, o.ID))
	assert.Empty(t, listDay(t, d, th.ID, day, false))

	_, err = svc.AddStandaloneOccurrence(ctx, th.ID, "holiday",
		tzconv.At(day, recurrence.MustClock("13:00")), tzconv.At(day, recurrence.MustClock("14:00")), "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
