package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"therapybook/internal/model"
	"therapybook/internal/recurrence"
)

const sampleRoster = `
therapists:
  - uuid: 7f8c2a9e-3b1d-4c6e-9a2f-1d2e3f4a5b6c
    nickname: Mei
    timezone: Asia/Taipei
    is_active: true
    working_hours:
      - key: mei-mornings
        weekdays: [mon, wed, fri]
        start_date: "2024-03-04"
        start: "09:00"
        end: "12:00"
      - key: mei-afternoons
        weekdays: [mon, wed, fri]
        start_date: "2024-03-04"
        start: "12:00"
        end: "17:00"
    time_off:
      - key: mei-lunch
        frequency: daily
        start_date: "2024-03-04"
        repeat_until: "2024-06-30"
        start: "13:00"
        end: "14:00"
        note: lunch
    treatments:
      - name: Deep tissue 60
        duration_minutes: 60
        preparation_minutes: 10
        is_active: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ExpandsEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("THERAPYBOOK_TEST_DB", filepath.Join(dir, "nested", "app.db"))
	path := writeFile(t, dir, "config.yaml", `
database:
  path: ${THERAPYBOOK_TEST_DB}
booking:
  lock_timeout_seconds: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "nested", "app.db"), cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.DirExists(t, filepath.Join(dir, "nested"))
	assert.Equal(t, 2*time.Second, cfg.LockTimeout())
	assert.Equal(t, 30*time.Second, cfg.LockTTL())
	assert.Equal(t, 90, cfg.HorizonDays())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8090, cfg.Monitoring.HealthCheckPort)
}

func TestLoadRoster(t *testing.T) {
	path := writeFile(t, t.TempDir(), "roster.yaml", sampleRoster)

	r, err := LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, r.Therapists, 1)
	require.Len(t, r.Therapists[0].Treatments, 1)

	series, err := r.Therapists[0].AllSeries(42)
	require.NoError(t, err)
	require.Len(t, series, 3)

	morning := series[0]
	assert.Equal(t, model.KindWorkingHours, morning.Kind)
	assert.Equal(t, int64(42), morning.TherapistID)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, morning.Weekdays)
	assert.Equal(t, recurrence.Weekly, morning.Frequency)
	assert.Equal(t, 1, morning.Interval)
	assert.Equal(t, "mei-mornings", morning.ExternalKey)
	assert.True(t, morning.IsActive)

	lunch := series[2]
	assert.Equal(t, model.KindTimeOff, lunch.Kind)
	assert.Equal(t, recurrence.Daily, lunch.Frequency)
	require.NotNil(t, lunch.RepeatUntil)
	assert.Equal(t, "2024-06-30", lunch.RepeatUntil.String())
	assert.Equal(t, "lunch", lunch.Note)
}

func TestRosterValidate(t *testing.T) {
	valid := func() *Roster {
		return &Roster{
			Therapists: []TherapistConfig{{
				UUID:     "7f8c2a9e-3b1d-4c6e-9a2f-1d2e3f4a5b6c",
				Nickname: "Mei",
				WorkingHours: []SeriesConfig{{
					Key: "a", StartDate: "2024-03-04", Start: "09:00", End: "17:00", Weekdays: []string{"mon"},
				}},
				Treatments: []TreatmentConfig{{Name: "Massage", DurationMinutes: 60}},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Roster)
	}{
		{"bad uuid", func(r *Roster) { r.Therapists[0].UUID = "nope" }},
		{"bad timezone", func(r *Roster) { r.Therapists[0].Timezone = "Moon/Base" }},
		{"end before start", func(r *Roster) { r.Therapists[0].WorkingHours[0].End = "08:00" }},
		{"bad weekday", func(r *Roster) { r.Therapists[0].WorkingHours[0].Weekdays = []string{"funday"} }},
		{"bad frequency", func(r *Roster) { r.Therapists[0].WorkingHours[0].Frequency = "monthly" }},
		{"duplicate key", func(r *Roster) {
			r.Therapists[0].TimeOff = []SeriesConfig{r.Therapists[0].WorkingHours[0]}
		}},
		{"duplicate therapist", func(r *Roster) { r.Therapists = append(r.Therapists, r.Therapists[0]) }},
		{"zero duration", func(r *Roster) { r.Therapists[0].Treatments[0].DurationMinutes = 0 }},
		{"duplicate treatment", func(r *Roster) {
			r.Therapists[0].Treatments = append(r.Therapists[0].Treatments, r.Therapists[0].Treatments[0])
		}},
	}

	require.NoError(t, valid().Validate())

	shared := valid()
	other := shared.Therapists[0]
	other.UUID = "2c4e6a8b-0d1f-4a3c-8e5b-7d9f1a3c5e7b"
	other.WorkingHours = []SeriesConfig{{Key: "b", StartDate: "2024-03-04", Start: "09:00", End: "17:00"}}
	shared.Therapists = append(shared.Therapists, other)
	require.NoError(t, shared.Validate(), "treatment names are unique per therapist only")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestWatchRoster(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "roster.yaml", sampleRoster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []*Roster
	err := WatchRoster(ctx, path, 10*time.Millisecond, func(r *Roster) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
	}, nil)
	require.NoError(t, err)

	updated := sampleRoster + `
      - name: Foot reflexology
        duration_minutes: 45
        is_active: true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && len(seen[1].Therapists[0].Treatments) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
