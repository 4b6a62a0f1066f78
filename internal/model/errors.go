package model

import (
	"errors"

	"therapybook/internal/recurrence"
	"therapybook/internal/tzconv"
)

var (
	ErrInvalidTimezone        = tzconv.ErrInvalidTimezone
	ErrOutsideWorkingHours    = errors.New("outside working hours")
	ErrSlotConflict           = errors.New("slot conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrRateLimited            = errors.New("too many booking attempts")

	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidSeries     = recurrence.ErrInvalidPattern
	ErrInvalidRange      = errors.New("invalid time range")
	ErrInvalidTransition = errors.New("invalid occurrence status transition")
)

// Kind maps an error to a stable identifier suitable for clients and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTimezone):
		return "invalid_timezone"
	case errors.Is(err, ErrOutsideWorkingHours):
		return "outside_working_hours"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidSeries),
		errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidTransition):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may repeat the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
