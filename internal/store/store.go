// Package store declares the persistence contracts shared by the SQLite and
// PostgreSQL backends.
package store

import (
	"context"
	"time"

	"therapybook/internal/config"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
)

// UpsertResult reports what UpsertGeneratedOccurrence did to the row.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Created
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// OccurrenceFilter selects occurrences overlapping [From, To).
type OccurrenceFilter struct {
	TherapistID   int64
	Kind          model.SeriesKind
	From          time.Time
	To            time.Time
	EffectiveOnly bool
}

// AppointmentFilter selects appointments overlapping [From, To).
type AppointmentFilter struct {
	TherapistID      int64
	From             time.Time
	To               time.Time
	IncludeCancelled bool
}

// Reader is the read side used for availability decisions.
type Reader interface {
	ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]model.Occurrence, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)
}

// BookingTx is the view of a therapist-scoped transaction.
type BookingTx interface {
	Reader
	HasOverlappingAppointment(ctx context.Context, therapistID int64, start, end time.Time) (bool, error)
	InsertAppointment(ctx context.Context, a *model.Appointment) error
}

type Therapists interface {
	CreateTherapist(ctx context.Context, t *model.Therapist) error
	GetTherapist(ctx context.Context, id int64) (*model.Therapist, error)
	GetTherapistByUUID(ctx context.Context, uuid string) (*model.Therapist, error)
	ListActiveTherapists(ctx context.Context) ([]model.Therapist, error)
}

type Treatments interface {
	CreateTreatment(ctx context.Context, t *model.Treatment) error
	GetTreatment(ctx context.Context, id int64) (*model.Treatment, error)
	ListTreatments(ctx context.Context, therapistID int64) ([]model.Treatment, error)
}

type Series interface {
	CreateSeries(ctx context.Context, s *model.Series) error
	UpdateSeries(ctx context.Context, s *model.Series) error
	GetSeries(ctx context.Context, id int64) (*model.Series, error)
	// ListActiveSeries returns active series of a therapist; an empty kind selects both kinds.
	ListActiveSeries(ctx context.Context, therapistID int64, kind model.SeriesKind) ([]model.Series, error)
	DeactivateSeries(ctx context.Context, id int64) error
	// DeleteSeries removes the rule only; materialized rows are kept.
	DeleteSeries(ctx context.Context, id int64) error
}

type Occurrences interface {
	Reader
	// UpsertGeneratedOccurrence inserts or refreshes the row keyed by (SeriesID, Date).
	// Overridden rows are never touched, skipped rows keep their status and
	// retired rows are revived.
	UpsertGeneratedOccurrence(ctx context.Context, o *model.Occurrence) (UpsertResult, error)
	// RetireGeneratedOccurrences retires generated rows of the series dated inside
	// w whose date is not in keep. Skipped, overridden and standalone rows are untouched.
	RetireGeneratedOccurrences(ctx context.Context, seriesID int64, w recurrence.Window, keep []recurrence.Date) (int64, error)
	// RetireOrphanedOccurrences retires generated rows of the therapist dated on or
	// after from whose series is inactive or gone.
	RetireOrphanedOccurrences(ctx context.Context, therapistID int64, from recurrence.Date) (int64, error)
	GetOccurrence(ctx context.Context, id int64) (*model.Occurrence, error)
	// UpdateOccurrence persists manual edits to status, bounds and note.
	UpdateOccurrence(ctx context.Context, o *model.Occurrence) error
	CreateStandaloneOccurrence(ctx context.Context, o *model.Occurrence) error
	DeleteStandaloneOccurrence(ctx context.Context, id int64) error
}

type Appointments interface {
	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	CancelAppointment(ctx context.Context, id int64) error
	// InTherapistTx runs fn in a transaction that serialises writers of one therapist.
	InTherapistTx(ctx context.Context, therapistID int64, fn func(BookingTx) error) error
}

// Store is the full persistence surface.
type Store interface {
	Therapists
	Treatments
	Series
	Occurrences
	Appointments

	// SyncRoster applies the roster file and returns the ids of the therapists it lists.
	SyncRoster(ctx context.Context, r *config.Roster) ([]int64, error)
	Ping(ctx context.Context) error
	Close() error
}
