// Package materialize expands schedule series into stored occurrences.
//
// Expansion happens in the therapist's current timezone. Rows are upserted by
// (series, date): generated rows follow the rule, skipped rows keep the skip,
// overridden and standalone rows are never touched. Nothing is deleted; rows a
// rule no longer produces are retired from today onward.
package materialize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"therapybook/internal/events"
	"therapybook/internal/metrics"
	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/store"
	"therapybook/internal/tzconv"
)

const DefaultHorizonDays = 90

// Store is the persistence the materializer needs.
type Store interface {
	GetTherapist(ctx context.Context, id int64) (*model.Therapist, error)
	ListActiveTherapists(ctx context.Context) ([]model.Therapist, error)
	GetSeries(ctx context.Context, id int64) (*model.Series, error)
	ListActiveSeries(ctx context.Context, therapistID int64, kind model.SeriesKind) ([]model.Series, error)
	UpsertGeneratedOccurrence(ctx context.Context, o *model.Occurrence) (store.UpsertResult, error)
	RetireGeneratedOccurrences(ctx context.Context, seriesID int64, w recurrence.Window, keep []recurrence.Date) (int64, error)
	RetireOrphanedOccurrences(ctx context.Context, therapistID int64, from recurrence.Date) (int64, error)
}

// Result counts the rows touched by one run.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Retired   int
}

func (r *Result) add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Retired += o.Retired
}

type Materializer struct {
	store       Store
	horizonDays int
	logger      *zerolog.Logger
	now         func() time.Time
}

func New(s Store, horizonDays int, logger *zerolog.Logger) *Materializer {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Materializer{store: s, horizonDays: horizonDays, logger: logger, now: time.Now}
}

// DefaultWindow is today in loc plus the configured horizon.
func (m *Materializer) DefaultWindow(loc *time.Location) recurrence.Window {
	return recurrence.Days(m.today(loc), m.horizonDays)
}

func (m *Materializer) today(loc *time.Location) recurrence.Date {
	return tzconv.LocalDate(m.now(), loc)
}

// Materialize expands one series over w and stores the result.
func (m *Materializer) Materialize(ctx context.Context, s *model.Series, w recurrence.Window) (Result, error) {
	th, err := m.store.GetTherapist(ctx, s.TherapistID)
	if err != nil {
		return Result{}, err
	}
	loc, err := th.Location()
	if err != nil {
		return Result{}, err
	}
	return m.materialize(ctx, s, loc, w)
}

func (m *Materializer) materialize(ctx context.Context, s *model.Series, loc *time.Location, w recurrence.Window) (Result, error) {
	var res Result
	var keep []recurrence.Date

	for occ := range s.Pattern().Occurrences(w) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := tzconv.ToUTCIn(tzconv.At(occ.Date, occ.Start), loc)
		end := tzconv.ToUTCIn(tzconv.At(occ.Date, occ.End), loc)
		if !start.Before(end) {
			// A DST gap can fold a short interval to nothing.
			m.logger.Warn().Int64("series_id", s.ID).Str("date", occ.Date.String()).Msg("occurrence collapsed by DST transition, skipped")
			continue
		}

		seriesID := s.ID
		outcome, err := m.store.UpsertGeneratedOccurrence(ctx, &model.Occurrence{
			Kind:        s.Kind,
			TherapistID: s.TherapistID,
			SeriesID:    &seriesID,
			Date:        occ.Date,
			StartsAt:    start,
			EndsAt:      end,
			Note:        s.Note,
		})
		if err != nil {
			return res, fmt.Errorf("materialize series %d on %s: %w", s.ID, occ.Date, err)
		}
		keep = append(keep, occ.Date)

		switch outcome {
		case store.Created:
			res.Created++
		case store.Updated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	// Past days keep whatever they were generated as.
	retire := w
	if today := m.today(loc); retire.From.Before(today) {
		retire.From = today
	}
	if !retire.Empty() {
		n, err := m.store.RetireGeneratedOccurrences(ctx, s.ID, retire, keep)
		if err != nil {
			return res, err
		}
		res.Retired = int(n)
	}

	kind := string(s.Kind)
	metrics.AddMaterialized(kind, "created", res.Created)
	metrics.AddMaterialized(kind, "updated", res.Updated)
	metrics.AddMaterialized(kind, "retired", res.Retired)

	m.logger.Debug().
		Int64("series_id", s.ID).
		Str("window", w.String()).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("retired", res.Retired).
		Msg("series materialized")
	return res, nil
}

// MaterializeTherapist expands every active series of the therapist over w and
// retires future rows of series that are no longer active.
func (m *Materializer) MaterializeTherapist(ctx context.Context, therapistID int64, w recurrence.Window) (Result, error) {
	th, err := m.store.GetTherapist(ctx, therapistID)
	if err != nil {
		return Result{}, err
	}
	loc, err := th.Location()
	if err != nil {
		return Result{}, err
	}

	series, err := m.store.ListActiveSeries(ctx, therapistID, "")
	if err != nil {
		return Result{}, fmt.Errorf("list series of therapist %d: %w", therapistID, err)
	}

	var total Result
	for i := range series {
		res, err := m.materialize(ctx, &series[i], loc, w)
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	n, err := m.store.RetireOrphanedOccurrences(ctx, therapistID, m.today(loc))
	if err != nil {
		return total, err
	}
	total.Retired += int(n)
	return total, nil
}

// Refresh materializes the default window for the therapist.
func (m *Materializer) Refresh(ctx context.Context, therapistID int64) (Result, error) {
	th, err := m.store.GetTherapist(ctx, therapistID)
	if err != nil {
		return Result{}, err
	}
	loc, err := th.Location()
	if err != nil {
		return Result{}, err
	}
	return m.MaterializeTherapist(ctx, therapistID, m.DefaultWindow(loc))
}

// RefreshAll refreshes every active therapist and keeps going past failures.
func (m *Materializer) RefreshAll(ctx context.Context) (Result, error) {
	therapists, err := m.store.ListActiveTherapists(ctx)
	if err != nil {
		return Result{}, err
	}

	var total Result
	var failed int
	for _, th := range therapists {
		res, err := m.Refresh(ctx, th.ID)
		total.add(res)
		if err != nil {
			failed++
			m.logger.Error().Err(err).Int64("therapist_id", th.ID).Msg("materialize therapist")
		}
	}

	m.logger.Info().
		Int("therapists", len(therapists)).
		Int("created", total.Created).
		Int("updated", total.Updated).
		Int("retired", total.Retired).
		Int("failed", failed).
		Msg("schedule horizon refreshed")
	if failed > 0 {
		return total, fmt.Errorf("%d of %d therapists failed to materialize", failed, len(therapists))
	}
	return total, nil
}

// EnsureRange materializes the local days touched by the UTC range [from, to).
func (m *Materializer) EnsureRange(ctx context.Context, therapistID int64, from, to time.Time) error {
	th, err := m.store.GetTherapist(ctx, therapistID)
	if err != nil {
		return err
	}
	loc, err := th.Location()
	if err != nil {
		return err
	}
	_, err = m.MaterializeTherapist(ctx, therapistID, tzconv.LocalWindow(from, to, loc))
	return err
}

// HandleEvent keeps stored occurrences in line with schedule edits.
func (m *Materializer) HandleEvent(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.SeriesSaved:
		s, err := m.store.GetSeries(ctx, e.SeriesID)
		if err != nil {
			return err
		}
		th, err := m.store.GetTherapist(ctx, s.TherapistID)
		if err != nil {
			return err
		}
		loc, err := th.Location()
		if err != nil {
			return err
		}
		_, err = m.materialize(ctx, s, loc, m.DefaultWindow(loc))
		return err

	case events.SeriesDeactivated, events.SeriesDeleted:
		th, err := m.store.GetTherapist(ctx, e.TherapistID)
		if err != nil {
			return err
		}
		loc, err := th.Location()
		if err != nil {
			return err
		}
		n, err := m.store.RetireOrphanedOccurrences(ctx, e.TherapistID, m.today(loc))
		if err != nil {
			return err
		}
		metrics.AddMaterialized("any", "retired", int(n))
		return nil

	case events.RosterSynced:
		_, err := m.Refresh(ctx, e.TherapistID)
		return err
	}
	return nil
}

// Subscribe wires the materializer to schedule edit events.
func (m *Materializer) Subscribe(bus *events.EventBus) {
	bus.Subscribe(m.HandleEvent, events.SeriesSaved, events.SeriesDeactivated, events.SeriesDeleted, events.RosterSynced)
}
