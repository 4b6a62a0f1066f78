package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 0, 0, time.UTC)
}

func iv(h1, m1, h2, m2 int) Interval {
	return Interval{Start: at(h1, m1), End: at(h2, m2)}
}

// fakeReader filters in-memory rows the way the stores do.
type fakeReader struct {
	occurrences  []model.Occurrence
	appointments []model.Appointment
}

func (f *fakeReader) ListOccurrences(_ context.Context, flt store.OccurrenceFilter) ([]model.Occurrence, error) {
	var out []model.Occurrence
	for _, o := range f.occurrences {
		if o.TherapistID != flt.TherapistID || (flt.Kind != "" && o.Kind != flt.Kind) {
			continue
		}
		if flt.EffectiveOnly && !o.Status.IsEffective() {
			continue
		}
		if o.StartsAt.Before(flt.To) && o.EndsAt.After(flt.From) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeReader) ListAppointments(_ context.Context, flt store.AppointmentFilter) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range f.appointments {
		if a.TherapistID == flt.TherapistID && !a.IsCancelled && a.StartTime.Before(flt.To) && a.EndTime.After(flt.From) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeReader) add(kind model.SeriesKind, status model.OccurrenceStatus, span Interval) {
	f.occurrences = append(f.occurrences, model.Occurrence{
		ID: int64(len(f.occurrences) + 1), Kind: kind, TherapistID: 1,
		StartsAt: span.Start, EndsAt: span.End, Status: status,
	})
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{"empty", nil, nil},
		{"abutting", []Interval{iv(12, 0, 17, 0), iv(9, 0, 12, 0)}, []Interval{iv(9, 0, 17, 0)}},
		{"overlapping", []Interval{iv(9, 0, 13, 0), iv(12, 0, 14, 0)}, []Interval{iv(9, 0, 14, 0)}},
		{"contained", []Interval{iv(9, 0, 17, 0), iv(10, 0, 11, 0)}, []Interval{iv(9, 0, 17, 0)}},
		{"gap", []Interval{iv(9, 0, 11, 0), iv(12, 0, 13, 0)}, []Interval{iv(9, 0, 11, 0), iv(12, 0, 13, 0)}},
		{"drops empty", []Interval{iv(9, 0, 9, 0), iv(10, 0, 11, 0)}, []Interval{iv(10, 0, 11, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.in))
		})
	}
}

func TestCoversAndOverlaps(t *testing.T) {
	merged := Merge([]Interval{iv(9, 0, 12, 0), iv(12, 0, 17, 0)})
	assert.True(t, Covers(merged, iv(10, 0, 16, 0)))
	assert.True(t, Covers(merged, iv(9, 0, 17, 0)))
	assert.False(t, Covers(merged, iv(8, 59, 10, 0)))
	assert.False(t, Covers(merged, iv(10, 0, 10, 0)))

	assert.True(t, Overlaps(iv(10, 0, 11, 10), iv(10, 30, 11, 40)))
	assert.False(t, Overlaps(iv(10, 0, 11, 10), iv(11, 10, 12, 20)))
}

func TestClipAndSubtract(t *testing.T) {
	assert.Equal(t, []Interval{iv(10, 0, 12, 0)}, Clip([]Interval{iv(9, 0, 12, 0), iv(13, 0, 14, 0)}, iv(10, 0, 13, 0)))

	free := Subtract([]Interval{iv(9, 0, 17, 0)}, []Interval{iv(10, 0, 11, 10), iv(13, 0, 14, 0), iv(16, 30, 18, 0)})
	assert.Equal(t, []Interval{iv(9, 0, 10, 0), iv(11, 10, 13, 0), iv(14, 0, 16, 30)}, free)

	assert.Empty(t, Subtract([]Interval{iv(9, 0, 10, 0)}, []Interval{iv(8, 0, 11, 0)}))
	assert.Equal(t, 30*time.Minute, iv(9, 0, 9, 30).Duration())
}

func TestIsAvailable(t *testing.T) {
	r := &fakeReader{}
	r.add(model.KindWorkingHours, model.StatusGenerated, iv(9, 0, 12, 0))
	r.add(model.KindWorkingHours, model.StatusStandalone, iv(12, 0, 17, 0))
	r.add(model.KindTimeOff, model.StatusGenerated, iv(13, 0, 14, 0))
	r.add(model.KindTimeOff, model.StatusSkipped, iv(9, 0, 10, 0))
	r.add(model.KindWorkingHours, model.StatusSkipped, iv(17, 0, 19, 0))
	res := NewResolver(r)
	ctx := context.Background()

	tests := []struct {
		name string
		span Interval
		want bool
	}{
		{"spans abutting blocks", iv(10, 0, 12, 30), true},
		{"inside first block", iv(9, 0, 10, 0), true},
		{"touches time off start", iv(12, 0, 13, 0), true},
		{"touches time off end", iv(14, 0, 15, 0), true},
		{"partial time off overlap", iv(12, 30, 13, 30), false},
		{"spans time off", iv(10, 0, 16, 0), false},
		{"before working hours", iv(8, 30, 9, 30), false},
		{"skipped working hours", iv(17, 0, 18, 0), false},
		{"until end of day", iv(15, 0, 17, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := res.IsAvailable(ctx, 1, tt.span.Start, tt.span.End)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := res.IsAvailable(ctx, 1, at(10, 0), at(10, 0))
	assert.ErrorIs(t, err, model.ErrInvalidRange)
}

func TestIsAvailable_AbuttingBlocksWithoutTimeOff(t *testing.T) {
	r := &fakeReader{}
	r.add(model.KindWorkingHours, model.StatusGenerated, iv(9, 0, 12, 0))
	r.add(model.KindWorkingHours, model.StatusGenerated, iv(12, 0, 17, 0))

	ok, err := NewResolver(r).IsAvailable(context.Background(), 1, at(10, 0), at(16, 0))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindows(t *testing.T) {
	r := &fakeReader{}
	r.add(model.KindWorkingHours, model.StatusGenerated, iv(9, 0, 12, 0))
	r.add(model.KindWorkingHours, model.StatusGenerated, iv(12, 0, 17, 0))
	r.add(model.KindTimeOff, model.StatusGenerated, iv(13, 0, 14, 0))
	r.appointments = []model.Appointment{
		{TherapistID: 1, StartTime: at(10, 0), EndTime: at(11, 10)},
		{TherapistID: 1, StartTime: at(15, 0), EndTime: at(16, 0), IsCancelled: true},
	}
	res := NewResolver(r)

	w, err := res.Windows(context.Background(), 1, at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Equal(t, []Interval{iv(9, 0, 17, 0)}, w.Working)
	assert.Equal(t, []Interval{iv(10, 0, 11, 10), iv(13, 0, 14, 0)}, w.Blocked)
	assert.Equal(t, []Interval{iv(9, 0, 10, 0), iv(11, 10, 13, 0), iv(14, 0, 17, 0)}, w.Free())

	_, err = res.Windows(context.Background(), 1, at(0, 0), at(0, 0).Add(32*24*time.Hour))
	assert.ErrorIs(t, err, model.ErrInvalidRange)
}

type mockReader struct {
	mock.Mock
}

func (m *mockReader) ListOccurrences(ctx context.Context, f store.OccurrenceFilter) ([]model.Occurrence, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]model.Occurrence), args.Error(1)
}

func (m *mockReader) ListAppointments(ctx context.Context, f store.AppointmentFilter) ([]model.Appointment, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]model.Appointment), args.Error(1)
}

func TestIsAvailable_StoreError(t *testing.T) {
	m := new(mockReader)
	boom := errors.New("disk on fire")
	m.On("ListOccurrences", mock.Anything, mock.MatchedBy(func(f store.OccurrenceFilter) bool {
		return f.Kind == model.KindTimeOff && f.EffectiveOnly
	})).Return([]model.Occurrence(nil), boom)

	_, err := NewResolver(m).IsAvailable(context.Background(), 1, at(10, 0), at(11, 0))
	assert.ErrorIs(t, err, boom)
	m.AssertExpectations(t)
}
