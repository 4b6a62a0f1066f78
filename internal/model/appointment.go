package model

import "time"

type Appointment struct {
	ID            int64
	UUID          string
	TherapistID   int64
	TreatmentID   int64
	CustomerName  string
	CustomerPhone string
	StartTime     time.Time
	EndTime       time.Time
	Note          string
	IsCancelled   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Duration returns the blocked length including preparation.
func (a *Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// OverlapsWith reports whether [start, end) intersects the appointment. Touching endpoints do not overlap.
func (a *Appointment) OverlapsWith(start, end time.Time) bool {
	return a.StartTime.Before(end) && start.Before(a.EndTime)
}
