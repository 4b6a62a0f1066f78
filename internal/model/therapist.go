package model

import (
	"time"

	"therapybook/internal/tzconv"
)

// DefaultTimezone is used for therapists without an explicit zone.
const DefaultTimezone = "Asia/Taipei"

type Therapist struct {
	ID        int64
	UUID      string
	Nickname  string
	Timezone  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location loads the therapist's zone, falling back to DefaultTimezone.
func (t *Therapist) Location() (*time.Location, error) {
	zone := t.Timezone
	if zone == "" {
		zone = DefaultTimezone
	}
	return tzconv.Load(zone)
}

// Treatment is a bookable service offered by one therapist.
type Treatment struct {
	ID                 int64
	TherapistID        int64
	Name               string
	DurationMinutes    int
	PreparationMinutes int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TotalDuration is the time a booking of this treatment blocks: service plus preparation.
func (t *Treatment) TotalDuration() time.Duration {
	return time.Duration(t.DurationMinutes+t.PreparationMinutes) * time.Minute
}
