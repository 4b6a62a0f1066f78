package model

import (
	"fmt"
	"time"

	"therapybook/internal/recurrence"
)

// OccurrenceStatus is the lifecycle state of a materialized occurrence.
type OccurrenceStatus string

const (
	// StatusGenerated rows follow their series on every regeneration.
	StatusGenerated OccurrenceStatus = "generated"
	// StatusOverridden rows were generated and then edited by hand; regeneration leaves them alone.
	StatusOverridden OccurrenceStatus = "overridden"
	// StatusSkipped rows were withdrawn by hand. They stay for audit and never count as effective.
	StatusSkipped OccurrenceStatus = "skipped"
	// StatusStandalone rows were created by hand without a series.
	StatusStandalone OccurrenceStatus = "standalone"
	// StatusRetired rows were generated by a rule that no longer produces them
	// (series edited, deactivated or deleted). Regeneration revives them.
	StatusRetired OccurrenceStatus = "retired"
)

func (s OccurrenceStatus) Valid() bool {
	switch s {
	case StatusGenerated, StatusOverridden, StatusSkipped, StatusStandalone, StatusRetired:
		return true
	}
	return false
}

// IsGenerated reports whether the row belongs to a series.
func (s OccurrenceStatus) IsGenerated() bool {
	return s == StatusGenerated || s == StatusOverridden || s == StatusSkipped || s == StatusRetired
}

// IsEffective reports whether the row takes part in availability.
func (s OccurrenceStatus) IsEffective() bool {
	return s == StatusGenerated || s == StatusOverridden || s == StatusStandalone
}

// CanTransition reports whether a manual edit may move a row from s to next.
// Retired rows are managed by materialization only.
func (s OccurrenceStatus) CanTransition(next OccurrenceStatus) bool {
	switch s {
	case StatusGenerated:
		return next == StatusSkipped || next == StatusOverridden
	case StatusOverridden:
		return next == StatusSkipped || next == StatusOverridden
	case StatusSkipped:
		return next == StatusGenerated
	case StatusStandalone:
		return next == StatusStandalone
	}
	return false
}

// Occurrence is one concrete working-hours or time-off interval.
type Occurrence struct {
	ID          int64
	Kind        SeriesKind
	TherapistID int64
	SeriesID    *int64
	// Date is the therapist-local calendar day the occurrence was generated for.
	Date      recurrence.Date
	StartsAt  time.Time
	EndsAt    time.Time
	Status    OccurrenceStatus
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition applies a manual status change.
func (o *Occurrence) Transition(next OccurrenceStatus) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	return nil
}

// CheckBounds validates that the occurrence covers a non-empty interval.
func CheckBounds(start, end time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}
