// Package slots lists bookable start times for a treatment on one day.
package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"therapybook/internal/availability"
	"therapybook/internal/recurrence"
	"therapybook/internal/tzconv"
)

const DefaultStep = 15 * time.Minute

// Slot is a candidate booking [StartTime, EndTime) in UTC.
type Slot struct {
	StartTime time.Time
	EndTime   time.Time
	Available bool
}

// SlotInfo is a slot rendered in the therapist's local time.
type SlotInfo struct {
	Start     string `json:"start"` // "10:00"
	End       string `json:"end"`   // "11:10"
	Available bool   `json:"available"`
}

// WindowSource returns the working and blocked time of a therapist.
type WindowSource interface {
	Windows(ctx context.Context, therapistID int64, from, to time.Time) (availability.Windows, error)
}

type Generator struct {
	windows WindowSource
	now     func() time.Time
}

func NewGenerator(windows WindowSource) *Generator {
	return &Generator{windows: windows, now: time.Now}
}

// GenerateSlots lists every start on the step grid, counted from the start of
// each working interval of the local day, where a booking of length fits
// inside working time. Slots that overlap time off or an appointment, or that
// start in the past, are marked unavailable.
func (g *Generator) GenerateSlots(ctx context.Context, therapistID int64, day recurrence.Date, loc *time.Location, length, step time.Duration) ([]Slot, error) {
	if length <= 0 {
		return nil, fmt.Errorf("slot length must be positive, got %s", length)
	}
	if step <= 0 {
		step = DefaultStep
	}

	from, to := tzconv.DayBounds(day, loc)
	w, err := g.windows.Windows(ctx, therapistID, from, to)
	if err != nil {
		return nil, err
	}
	free := w.Free()
	now := g.now()

	var slots []Slot
	for _, iv := range w.Working {
		for cursor := iv.Start; !cursor.Add(length).After(iv.End); cursor = cursor.Add(step) {
			candidate := availability.Interval{Start: cursor, End: cursor.Add(length)}
			slots = append(slots, Slot{
				StartTime: candidate.Start,
				EndTime:   candidate.End,
				Available: availability.Covers(free, candidate) && !cursor.Before(now),
			})
		}
	}
	return slots, nil
}

// ToSlotInfo renders slots as local clock times.
func ToSlotInfo(slots []Slot, loc *time.Location) []SlotInfo {
	result := make([]SlotInfo, len(slots))
	for i, s := range slots {
		result[i] = SlotInfo{
			Start:     s.StartTime.In(loc).Format("15:04"),
			End:       s.EndTime.In(loc).Format("15:04"),
			Available: s.Available,
		}
	}
	return result
}

// GetAvailableSlots returns only available slots.
func GetAvailableSlots(slots []Slot) []Slot {
	var available []Slot
	for _, s := range slots {
		if s.Available {
			available = append(available, s)
		}
	}
	return available
}

// FindConsecutiveSlots groups available slots into runs whose bookings
// touch or overlap one another.
func FindConsecutiveSlots(slots []Slot) [][]Slot {
	available := GetAvailableSlots(slots)
	if len(available) == 0 {
		return nil
	}

	sort.Slice(available, func(i, j int) bool {
		return available[i].StartTime.Before(available[j].StartTime)
	})

	var groups [][]Slot
	currentGroup := []Slot{available[0]}

	for i := 1; i < len(available); i++ {
		if !available[i].StartTime.After(currentGroup[len(currentGroup)-1].EndTime) {
			currentGroup = append(currentGroup, available[i])
		} else {
			groups = append(groups, currentGroup)
			currentGroup = []Slot{available[i]}
		}
	}
	groups = append(groups, currentGroup)

	return groups
}

// FormatDuration formats minutes as "45 min", "1 h" or "1 h 10 min".
func FormatDuration(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	hours := minutes / 60
	mins := minutes % 60
	if mins == 0 {
		return fmt.Sprintf("%d h", hours)
	}
	return fmt.Sprintf("%d h %d min", hours, mins)
}
