package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"therapybook/internal/recurrence"
)

// SeriesKind distinguishes working-hours schedules from time-off schedules.
type SeriesKind string

const (
	KindWorkingHours SeriesKind = "working_hours"
	KindTimeOff      SeriesKind = "time_off"
)

func (k SeriesKind) Valid() bool {
	return k == KindWorkingHours || k == KindTimeOff
}

// Series is a recurring working-hours or time-off rule of one therapist.
type Series struct {
	ID          int64
	Kind        SeriesKind
	TherapistID int64
	Frequency   recurrence.Frequency
	Interval    int
	Weekdays    []time.Weekday
	StartDate   recurrence.Date
	RepeatUntil *recurrence.Date
	StartTime   recurrence.Clock
	EndTime     recurrence.Clock
	Note        string
	// ExternalKey identifies series managed by the roster file.
	ExternalKey string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pattern returns the recurrence rule of the series.
func (s *Series) Pattern() recurrence.Pattern {
	return recurrence.Pattern{
		Frequency: s.Frequency,
		Interval:  s.Interval,
		Weekdays:  s.Weekdays,
		StartDate: s.StartDate,
		Until:     s.RepeatUntil,
		Start:     s.StartTime,
		End:       s.EndTime,
		Active:    s.IsActive,
	}
}

// Validate normalises defaults and checks the series invariants.
func (s *Series) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSeries, s.Kind)
	}
	if s.TherapistID <= 0 {
		return fmt.Errorf("%w: therapist id is required", ErrInvalidSeries)
	}
	if s.Frequency == "" {
		s.Frequency = recurrence.Weekly
	}
	if s.Interval == 0 {
		s.Interval = 1
	}
	return s.Pattern().Validate()
}

// FormatWeekdays encodes weekdays as a comma separated list of numbers (Sunday=0).
func FormatWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays decodes the FormatWeekdays representation.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}
