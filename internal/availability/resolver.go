// Package availability decides whether a therapist can take a booking.
//
// A range is available when the union of effective working-hours occurrences
// covers it and no effective time-off occurrence touches it. Time off always
// wins over working hours.
package availability

import (
	"context"
	"fmt"
	"time"

	"therapybook/internal/model"
	"therapybook/internal/store"
)

// MaxWindowRange bounds Windows queries.
const MaxWindowRange = 31 * 24 * time.Hour

type Resolver struct {
	src store.Reader
}

func NewResolver(src store.Reader) *Resolver {
	return &Resolver{src: src}
}

// IsAvailable reports whether [start, end) fits the therapist's effective schedule.
func (r *Resolver) IsAvailable(ctx context.Context, therapistID int64, start, end time.Time) (bool, error) {
	if !start.Before(end) {
		return false, fmt.Errorf("%w: empty range", model.ErrInvalidRange)
	}
	target := Interval{Start: start.UTC(), End: end.UTC()}

	off, err := r.intervals(ctx, therapistID, model.KindTimeOff, target)
	if err != nil {
		return false, err
	}
	for _, iv := range off {
		if Overlaps(iv, target) {
			return false, nil
		}
	}

	working, err := r.intervals(ctx, therapistID, model.KindWorkingHours, target)
	if err != nil {
		return false, err
	}
	return Covers(Merge(working), target), nil
}

// intervals loads effective occurrences of kind overlapping target.
func (r *Resolver) intervals(ctx context.Context, therapistID int64, kind model.SeriesKind, target Interval) ([]Interval, error) {
	occs, err := r.src.ListOccurrences(ctx, store.OccurrenceFilter{
		TherapistID:   therapistID,
		Kind:          kind,
		From:          target.Start,
		To:            target.End,
		EffectiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s occurrences: %w", kind, err)
	}
	out := make([]Interval, 0, len(occs))
	for _, o := range occs {
		out = append(out, Interval{Start: o.StartsAt, End: o.EndsAt})
	}
	return out, nil
}

// Windows is the schedule of a therapist over a range.
type Windows struct {
	// Working is the merged working time clipped to the range.
	Working []Interval
	// Blocked is merged time off plus booked appointments.
	Blocked []Interval
}

// Free is working time not blocked by time off or appointments.
func (w Windows) Free() []Interval {
	return Subtract(w.Working, w.Blocked)
}

// Windows returns working and blocked intervals for [from, to).
func (r *Resolver) Windows(ctx context.Context, therapistID int64, from, to time.Time) (Windows, error) {
	if !from.Before(to) {
		return Windows{}, fmt.Errorf("%w: empty range", model.ErrInvalidRange)
	}
	if to.Sub(from) > MaxWindowRange {
		return Windows{}, fmt.Errorf("%w: range longer than %s", model.ErrInvalidRange, MaxWindowRange)
	}
	bounds := Interval{Start: from.UTC(), End: to.UTC()}

	working, err := r.intervals(ctx, therapistID, model.KindWorkingHours, bounds)
	if err != nil {
		return Windows{}, err
	}
	blocked, err := r.intervals(ctx, therapistID, model.KindTimeOff, bounds)
	if err != nil {
		return Windows{}, err
	}

	appts, err := r.src.ListAppointments(ctx, store.AppointmentFilter{
		TherapistID: therapistID,
		From:        bounds.Start,
		To:          bounds.End,
	})
	if err != nil {
		return Windows{}, fmt.Errorf("list appointments: %w", err)
	}
	for _, a := range appts {
		blocked = append(blocked, Interval{Start: a.StartTime, End: a.EndTime})
	}

	return Windows{
		Working: Merge(Clip(working, bounds)),
		Blocked: Merge(Clip(blocked, bounds)),
	}, nil
}
