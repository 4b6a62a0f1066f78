// Package recurrence expands daily and weekly schedule rules into concrete
// calendar days. Expansion is pure: it never touches storage or the clock.
package recurrence

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
)

// ErrInvalidPattern is returned by Pattern.Validate.
var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// Frequency is the repeat unit of a pattern.
type Frequency string

const (
	Daily  Frequency = "daily"
	Weekly Frequency = "weekly"
)

// Window is an inclusive range of calendar days.
type Window struct {
	From Date
	To   Date
}

// Days returns a window of n days starting at from.
func Days(from Date, n int) Window {
	return Window{From: from, To: from.AddDays(n - 1)}
}

// Empty reports whether the window contains no day.
func (w Window) Empty() bool {
	return w.To.Before(w.From)
}

func (w Window) String() string {
	return w.From.String() + ".." + w.To.String()
}

// Pattern is a repeat rule anchored at StartDate.
//
// Weekly patterns emit the listed weekdays of every Interval-th week, counting
// ISO weeks from the week that contains StartDate. Daily patterns emit every
// Interval-th day from StartDate. A weekly pattern without weekdays repeats on
// the weekday of StartDate.
type Pattern struct {
	Frequency Frequency
	Interval  int
	Weekdays  []time.Weekday
	StartDate Date
	Until     *Date
	Start     Clock
	End       Clock
	Active    bool
}

// Occurrence is a single day produced by a pattern.
type Occurrence struct {
	Date  Date
	Start Clock
	End   Clock
}

// Validate checks the structural invariants of the pattern.
func (p Pattern) Validate() error {
	if !p.Start.Before(p.End) {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidPattern, p.Start, p.End)
	}
	if p.Interval < 0 {
		return fmt.Errorf("%w: interval must not be negative", ErrInvalidPattern)
	}
	if p.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidPattern)
	}
	if p.Until != nil && p.Until.Before(p.StartDate) {
		return fmt.Errorf("%w: repeat until %s is before start date %s", ErrInvalidPattern, p.Until, p.StartDate)
	}
	switch p.Frequency {
	case Daily, Weekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidPattern, p.Frequency)
	}
	return nil
}

// Occurrences lazily yields the pattern's days that fall inside w, in date order.
// The sequence can be ranged over any number of times. An inactive or invalid
// pattern, or a window that does not intersect [StartDate, Until], yields nothing.
func (p Pattern) Occurrences(w Window) iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		if !p.Active || p.Validate() != nil {
			return
		}

		from := w.From
		if from.Before(p.StartDate) {
			from = p.StartDate
		}
		to := w.To
		if p.Until != nil && p.Until.Before(to) {
			to = *p.Until
		}
		if to.Before(from) {
			return
		}

		interval := max(p.Interval, 1)
		emit := func(d Date) bool {
			return yield(Occurrence{Date: d, Start: p.Start, End: p.End})
		}

		switch p.Frequency {
		case Daily:
			if r := from.DaysSince(p.StartDate) % interval; r != 0 {
				from = from.AddDays(interval - r)
			}
			for d := from; !d.After(to); d = d.AddDays(interval) {
				if !emit(d) {
					return
				}
			}
		case Weekly:
			days := p.weekdaySet()
			anchor := p.StartDate.weekStart()
			for d := from; !d.After(to); d = d.AddDays(1) {
				if !days[d.Weekday()] {
					continue
				}
				if (d.weekStart().DaysSince(anchor)/7)%interval != 0 {
					continue
				}
				if !emit(d) {
					return
				}
			}
		}
	}
}

// Collect materialises Occurrences into a slice.
func (p Pattern) Collect(w Window) []Occurrence {
	return slices.Collect(p.Occurrences(w))
}

func (p Pattern) weekdaySet() [7]bool {
	var set [7]bool
	if len(p.Weekdays) == 0 {
		set[p.StartDate.Weekday()] = true
		return set
	}
	for _, wd := range p.Weekdays {
		if wd >= time.Sunday && wd <= time.Saturday {
			set[wd] = true
		}
	}
	return set
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekday accepts English weekday names or their three letter prefix.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if len(key) >= 3 {
		if wd, ok := weekdayNames[key[:3]]; ok {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
