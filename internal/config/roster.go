package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
	"therapybook/internal/tzconv"
)

// TherapistConfig describes one therapist, their recurring schedule and the
// treatments they offer.
type TherapistConfig struct {
	UUID         string            `yaml:"uuid" validate:"required,uuid"`
	Nickname     string            `yaml:"nickname" validate:"required,max=100"`
	Timezone     string            `yaml:"timezone"`
	IsActive     bool              `yaml:"is_active"`
	WorkingHours []SeriesConfig    `yaml:"working_hours" validate:"dive"`
	TimeOff      []SeriesConfig    `yaml:"time_off" validate:"dive"`
	Treatments   []TreatmentConfig `yaml:"treatments" validate:"dive"`
}

// SeriesConfig is a recurring rule. Key must stay stable across edits so the
// same row is updated instead of a new series being created.
type SeriesConfig struct {
	Key         string   `yaml:"key" validate:"required,max=64"`
	Frequency   string   `yaml:"frequency" validate:"omitempty,oneof=daily weekly"`
	Interval    int      `yaml:"interval" validate:"gte=0,lte=52"`
	Weekdays    []string `yaml:"weekdays"`
	StartDate   string   `yaml:"start_date" validate:"required,datetime=2006-01-02"`
	RepeatUntil string   `yaml:"repeat_until" validate:"omitempty,datetime=2006-01-02"`
	Start       string   `yaml:"start" validate:"required,datetime=15:04"`
	End         string   `yaml:"end" validate:"required,datetime=15:04"`
	Note        string   `yaml:"note" validate:"max=255"`
	Disabled    bool     `yaml:"disabled"`
}

// TreatmentConfig describes a bookable service. Names are unique per therapist.
type TreatmentConfig struct {
	Name               string `yaml:"name" validate:"required,max=100"`
	DurationMinutes    int    `yaml:"duration_minutes" validate:"gt=0,lte=480"`
	PreparationMinutes int    `yaml:"preparation_minutes" validate:"gte=0,lte=120"`
	IsActive           bool   `yaml:"is_active"`
}

// Roster is the root configuration for roster.yaml.
type Roster struct {
	Therapists []TherapistConfig `yaml:"therapists" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRoster loads and validates the roster from a YAML file.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		path = "configs/roster.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("validate roster: %w", err)
	}

	return &r, nil
}

// Validate checks field constraints and cross-entry rules.
func (r *Roster) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}

	uuids := make(map[string]bool)
	keys := make(map[string]bool)
	for i, th := range r.Therapists {
		if uuids[th.UUID] {
			return fmt.Errorf("therapist[%d]: duplicate uuid %s", i, th.UUID)
		}
		uuids[th.UUID] = true

		if th.Timezone != "" {
			if _, err := tzconv.Load(th.Timezone); err != nil {
				return fmt.Errorf("therapist[%d]: %w", i, err)
			}
		}

		for kind, list := range map[model.SeriesKind][]SeriesConfig{
			model.KindWorkingHours: th.WorkingHours,
			model.KindTimeOff:      th.TimeOff,
		} {
			for j, sc := range list {
				field := fmt.Sprintf("therapist[%d].%s[%d]", i, kind, j)
				if keys[sc.Key] {
					return fmt.Errorf("%s: duplicate key '%s'", field, sc.Key)
				}
				keys[sc.Key] = true

				s, err := sc.ToSeries(kind, 0)
				if err != nil {
					return fmt.Errorf("%s: %w", field, err)
				}
				s.TherapistID = 1
				if err := s.Validate(); err != nil {
					return fmt.Errorf("%s: %w", field, err)
				}
			}
		}

		names := make(map[string]bool)
		for j, tr := range th.Treatments {
			if names[tr.Name] {
				return fmt.Errorf("therapist[%d].treatments[%d]: duplicate name '%s'", i, j, tr.Name)
			}
			names[tr.Name] = true
		}
	}

	return nil
}

// ToSeries converts the rule into a model series for the given therapist.
func (sc SeriesConfig) ToSeries(kind model.SeriesKind, therapistID int64) (*model.Series, error) {
	start, err := recurrence.ParseDate(sc.StartDate)
	if err != nil {
		return nil, err
	}

	var until *recurrence.Date
	if sc.RepeatUntil != "" {
		d, err := recurrence.ParseDate(sc.RepeatUntil)
		if err != nil {
			return nil, err
		}
		until = &d
	}

	startTime, err := recurrence.ParseClock(sc.Start)
	if err != nil {
		return nil, err
	}
	endTime, err := recurrence.ParseClock(sc.End)
	if err != nil {
		return nil, err
	}

	var weekdays []time.Weekday
	for _, name := range sc.Weekdays {
		wd, err := recurrence.ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		weekdays = append(weekdays, wd)
	}

	freq := recurrence.Frequency(sc.Frequency)
	if freq == "" {
		freq = recurrence.Weekly
	}

	return &model.Series{
		Kind:        kind,
		TherapistID: therapistID,
		Frequency:   freq,
		Interval:    max(sc.Interval, 1),
		Weekdays:    weekdays,
		StartDate:   start,
		RepeatUntil: until,
		StartTime:   startTime,
		EndTime:     endTime,
		Note:        sc.Note,
		ExternalKey: sc.Key,
		IsActive:    !sc.Disabled,
	}, nil
}

// AllSeries returns the working-hours and time-off series of th.
func (th TherapistConfig) AllSeries(therapistID int64) ([]*model.Series, error) {
	var out []*model.Series
	for _, sc := range th.WorkingHours {
		s, err := sc.ToSeries(model.KindWorkingHours, therapistID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	for _, sc := range th.TimeOff {
		s, err := sc.ToSeries(model.KindTimeOff, therapistID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// TimezoneOrDefault returns the configured zone or model.DefaultTimezone.
func (th TherapistConfig) TimezoneOrDefault() string {
	if th.Timezone == "" {
		return model.DefaultTimezone
	}
	return th.Timezone
}
