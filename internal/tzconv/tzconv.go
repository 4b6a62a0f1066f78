// Package tzconv converts between therapist-local wall clock times and UTC.
//
// Wall times that occur twice at a fall-back transition resolve to the earlier
// instant. Wall times skipped by a spring-forward transition are moved forward
// by the length of the gap, i.e. they are read with the offset that was in
// force before the transition (02:30 in a 02:00-03:00 gap becomes 03:30).
package tzconv

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"therapybook/internal/recurrence"
)

// ErrInvalidTimezone is returned for empty or unknown IANA zone identifiers.
var ErrInvalidTimezone = errors.New("invalid timezone")

var zones sync.Map // name -> *time.Location

// Load resolves an IANA zone identifier. Results are cached.
func Load(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	zones.Store(name, loc)
	return loc, nil
}

// LocalDateTime is a wall clock reading with no zone attached.
type LocalDateTime struct {
	Date   recurrence.Date
	Hour   int
	Minute int
	Second int
}

// At combines a calendar day and a clock time.
func At(d recurrence.Date, c recurrence.Clock) LocalDateTime {
	return LocalDateTime{Date: d, Hour: c.Hour, Minute: c.Minute}
}

// ParseLocal parses "2006-01-02 15:04" or "2006-01-02T15:04[:05]".
func ParseLocal(s string) (LocalDateTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return wall(t), nil
		}
	}
	return LocalDateTime{}, fmt.Errorf("invalid local date time %q", s)
}

func (l LocalDateTime) Clock() recurrence.Clock {
	return recurrence.Clock{Hour: l.Hour, Minute: l.Minute}
}

func (l LocalDateTime) String() string {
	return fmt.Sprintf("%s %02d:%02d:%02d", l.Date, l.Hour, l.Minute, l.Second)
}

// naive returns the wall reading as if it were a UTC instant.
func (l LocalDateTime) naive() time.Time {
	return time.Date(l.Date.Year, l.Date.Month, l.Date.Day, l.Hour, l.Minute, l.Second, 0, time.UTC)
}

func wall(t time.Time) LocalDateTime {
	return LocalDateTime{Date: recurrence.DateOf(t), Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// ToUTC interprets local as a wall clock reading in zone.
func ToUTC(local LocalDateTime, zone string) (time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, err
	}
	return ToUTCIn(local, loc), nil
}

// ToUTCIn is ToUTC for an already loaded location.
func ToUTCIn(local LocalDateTime, loc *time.Location) time.Time {
	naive := local.naive()

	var earliest, latest time.Time
	matched := false
	for _, off := range candidateOffsets(naive, loc) {
		u := naive.Add(-off)
		if latest.IsZero() || u.After(latest) {
			latest = u
		}
		if wall(u.In(loc)) != local {
			continue
		}
		if !matched || u.Before(earliest) {
			earliest = u
			matched = true
		}
	}
	if matched {
		return earliest
	}
	// Skipped wall time: the smallest candidate offset is the one in force
	// before the gap, which yields the latest instant.
	return latest
}

// candidateOffsets collects the distinct UTC offsets in force within a day of naive.
func candidateOffsets(naive time.Time, loc *time.Location) []time.Duration {
	var offsets []time.Duration
	for _, shift := range []time.Duration{-24 * time.Hour, -12 * time.Hour, 0, 12 * time.Hour, 24 * time.Hour} {
		_, sec := naive.Add(shift).In(loc).Zone()
		off := time.Duration(sec) * time.Second
		seen := false
		for _, o := range offsets {
			if o == off {
				seen = true
				break
			}
		}
		if !seen {
			offsets = append(offsets, off)
		}
	}
	return offsets
}

// FromUTC returns the wall clock reading of t in zone.
func FromUTC(t time.Time, zone string) (LocalDateTime, error) {
	loc, err := Load(zone)
	if err != nil {
		return LocalDateTime{}, err
	}
	return In(t, loc), nil
}

// In returns the wall clock reading of t in loc.
func In(t time.Time, loc *time.Location) LocalDateTime {
	return wall(t.In(loc))
}

// LocalDate returns the calendar day of t in loc.
func LocalDate(t time.Time, loc *time.Location) recurrence.Date {
	return recurrence.DateOf(t.In(loc))
}

// DayBounds returns the UTC instants of local midnight at the start of d and of the following day.
func DayBounds(d recurrence.Date, loc *time.Location) (time.Time, time.Time) {
	start := ToUTCIn(At(d, recurrence.Clock{}), loc)
	end := ToUTCIn(At(d.AddDays(1), recurrence.Clock{}), loc)
	return start, end
}

// LocalWindow returns the local calendar days touched by the UTC range [from, to).
func LocalWindow(from, to time.Time, loc *time.Location) recurrence.Window {
	last := to
	if to.After(from) {
		last = to.Add(-time.Nanosecond)
	}
	return recurrence.Window{From: LocalDate(from, loc), To: LocalDate(last, loc)}
}
