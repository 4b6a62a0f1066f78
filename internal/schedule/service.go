// Package schedule edits working-hours and time-off schedules.
//
// Every edit is persisted first and then published on the event bus, which
// runs materialization before the call returns.
package schedule

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"therapybook/internal/events"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/tzconv"
)

// Store is the persistence the schedule service needs.
type Store interface {
	GetTherapist(ctx context.Context, id int64) (*model.Therapist, error)
	CreateSeries(ctx context.Context, s *model.Series) error
	UpdateSeries(ctx context.Context, s *model.Series) error
	GetSeries(ctx context.Context, id int64) (*model.Series, error)
	DeactivateSeries(ctx context.Context, id int64) error
	DeleteSeries(ctx context.Context, id int64) error
	GetOccurrence(ctx context.Context, id int64) (*model.Occurrence, error)
	UpdateOccurrence(ctx context.Context, o *model.Occurrence) error
	CreateStandaloneOccurrence(ctx context.Context, o *model.Occurrence) error
	DeleteStandaloneOccurrence(ctx context.Context, id int64) error
}

// Publisher delivers schedule events.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Service struct {
	store  Store
	bus    Publisher
	logger *zerolog.Logger
}

func NewService(s Store, bus Publisher, logger *zerolog.Logger) *Service {
	return &Service{store: s, bus: bus, logger: logger}
}

// CreateSeries stores a new rule and materializes it.
func (s *Service) CreateSeries(ctx context.Context, series *model.Series) error {
	if err := series.Validate(); err != nil {
		return err
	}
	if _, err := s.activeTherapist(ctx, series.TherapistID); err != nil {
		return err
	}
	if err := s.store.CreateSeries(ctx, series); err != nil {
		return err
	}
	s.logger.Info().Int64("series_id", series.ID).Str("kind", string(series.Kind)).Int64("therapist_id", series.TherapistID).Msg("series created")
	return s.publish(ctx, events.SeriesSaved, series.TherapistID, series.ID, 0)
}

// UpdateSeries replaces the rule. Generated rows follow it from today on;
// skipped and overridden rows keep their manual state. The therapist and kind
// of a series are fixed.
func (s *Service) UpdateSeries(ctx context.Context, series *model.Series) error {
	if err := series.Validate(); err != nil {
		return err
	}
	current, err := s.store.GetSeries(ctx, series.ID)
	if err != nil {
		return err
	}
	if current.TherapistID != series.TherapistID {
		return fmt.Errorf("%w: series %d belongs to therapist %d", model.ErrInvalidArgument, series.ID, current.TherapistID)
	}
	if current.Kind != series.Kind {
		return fmt.Errorf("%w: series %d is %s, create a new series instead", model.ErrInvalidArgument, series.ID, current.Kind)
	}
	if err := s.store.UpdateSeries(ctx, series); err != nil {
		return err
	}
	s.logger.Info().Int64("series_id", series.ID).Msg("series updated")

	event := events.SeriesSaved
	if !series.IsActive {
		event = events.SeriesDeactivated
	}
	return s.publish(ctx, event, series.TherapistID, series.ID, 0)
}

// DeactivateSeries stops the rule. Its future generated rows are retired.
func (s *Service) DeactivateSeries(ctx context.Context, id int64) error {
	series, err := s.store.GetSeries(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateSeries(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("series_id", id).Msg("series deactivated")
	return s.publish(ctx, events.SeriesDeactivated, series.TherapistID, id, 0)
}

// DeleteSeries removes the rule. Past occurrences stay for history.
func (s *Service) DeleteSeries(ctx context.Context, id int64) error {
	series, err := s.store.GetSeries(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSeries(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("series_id", id).Msg("series deleted")
	return s.publish(ctx, events.SeriesDeleted, series.TherapistID, id, 0)
}

// SkipOccurrence withdraws a generated occurrence. The skip survives
// regeneration. Standalone occurrences are removed instead.
func (s *Service) SkipOccurrence(ctx context.Context, id int64) (*model.Occurrence, error) {
	o, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.Transition(model.StatusSkipped); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOccurrence(ctx, o); err != nil {
		return nil, err
	}
	return o, s.publish(ctx, events.OccurrenceChanged, o.TherapistID, seriesOf(o), o.ID)
}

// RestoreOccurrence undoes a skip. The row gets the bounds its series
// produces for that day, so a skipped override comes back as generated.
func (s *Service) RestoreOccurrence(ctx context.Context, id int64) (*model.Occurrence, error) {
	o, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusSkipped {
		return nil, fmt.Errorf("%w: occurrence %d is %s", model.ErrInvalidTransition, id, o.Status)
	}

	series, err := s.store.GetSeries(ctx, *o.SeriesID)
	if err != nil {
		return nil, err
	}
	day := recurrence.Window{From: o.Date, To: o.Date}
	occs := series.Pattern().Collect(day)
	if len(occs) == 0 {
		return nil, fmt.Errorf("%w: series %d no longer produces %s", model.ErrInvalidTransition, series.ID, o.Date)
	}
	th, err := s.store.GetTherapist(ctx, o.TherapistID)
	if err != nil {
		return nil, err
	}
	loc, err := th.Location()
	if err != nil {
		return nil, err
	}

	if err := o.Transition(model.StatusGenerated); err != nil {
		return nil, err
	}
	o.StartsAt = tzconv.ToUTCIn(tzconv.At(o.Date, occs[0].Start), loc)
	o.EndsAt = tzconv.ToUTCIn(tzconv.At(o.Date, occs[0].End), loc)
	o.Note = series.Note
	if err := s.store.UpdateOccurrence(ctx, o); err != nil {
		return nil, err
	}
	return o, s.publish(ctx, events.OccurrenceChanged, o.TherapistID, series.ID, o.ID)
}

// OverrideOccurrence moves an occurrence to new therapist-local bounds.
// Generated rows become overridden; standalone rows stay standalone.
func (s *Service) OverrideOccurrence(ctx context.Context, id int64, start, end tzconv.LocalDateTime, note string) (*model.Occurrence, error) {
	o, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	th, err := s.store.GetTherapist(ctx, o.TherapistID)
	if err != nil {
		return nil, err
	}
	loc, err := th.Location()
	if err != nil {
		return nil, err
	}

	startUTC, endUTC := tzconv.ToUTCIn(start, loc), tzconv.ToUTCIn(end, loc)
	if err := model.CheckBounds(startUTC, endUTC); err != nil {
		return nil, err
	}
	next := model.StatusOverridden
	if o.Status == model.StatusStandalone {
		next = model.StatusStandalone
	}
	if err := o.Transition(next); err != nil {
		return nil, err
	}
	o.StartsAt, o.EndsAt = startUTC, endUTC
	if note != "" {
		o.Note = note
	}
	if err := s.store.UpdateOccurrence(ctx, o); err != nil {
		return nil, err
	}
	return o, s.publish(ctx, events.OccurrenceChanged, o.TherapistID, seriesOf(o), o.ID)
}

// AddStandaloneOccurrence records a one-off working-hours or time-off
// interval given in therapist-local time.
func (s *Service) AddStandaloneOccurrence(ctx context.Context, therapistID int64, kind model.SeriesKind, start, end tzconv.LocalDateTime, note string) (*model.Occurrence, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidArgument, kind)
	}
	th, err := s.activeTherapist(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	loc, err := th.Location()
	if err != nil {
		return nil, err
	}

	o := &model.Occurrence{
		Kind:        kind,
		TherapistID: therapistID,
		Date:        start.Date,
		StartsAt:    tzconv.ToUTCIn(start, loc),
		EndsAt:      tzconv.ToUTCIn(end, loc),
		Note:        note,
	}
	if err := s.store.CreateStandaloneOccurrence(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("occurrence_id", o.ID).Str("kind", string(kind)).Int64("therapist_id", therapistID).Msg("standalone occurrence added")
	return o, s.publish(ctx, events.OccurrenceChanged, therapistID, 0, o.ID)
}

// RemoveStandaloneOccurrence deletes a standalone row. Generated rows are
// never deleted; skip them instead.
func (s *Service) RemoveStandaloneOccurrence(ctx context.Context, id int64) error {
	o, err := s.store.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStandaloneOccurrence(ctx, id); err != nil {
		return err
	}
	return s.publish(ctx, events.OccurrenceChanged, o.TherapistID, 0, id)
}

func (s *Service) activeTherapist(ctx context.Context, id int64) (*model.Therapist, error) {
	th, err := s.store.GetTherapist(ctx, id)
	if err != nil {
		return nil, err
	}
	if !th.IsActive {
		return nil, fmt.Errorf("%w: therapist %d is inactive", model.ErrInvalidArgument, id)
	}
	return th, nil
}

func (s *Service) publish(ctx context.Context, typ string, therapistID, seriesID, occurrenceID int64) error {
	err := s.bus.Publish(ctx, events.Event{
		Type:         typ,
		TherapistID:  therapistID,
		SeriesID:     seriesID,
		OccurrenceID: occurrenceID,
	})
	if err != nil {
		return fmt.Errorf("%s saved but not materialized: %w", typ, err)
	}
	return nil
}

func seriesOf(o *model.Occurrence) int64 {
	if o.SeriesID == nil {
		return 0
	}
	return *o.SeriesID
}
