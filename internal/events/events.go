// Package events is an in-process bus for schedule changes.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	SeriesSaved       = "series.saved"
	SeriesDeactivated = "series.deactivated"
	SeriesDeleted     = "series.deleted"
	OccurrenceChanged = "occurrence.changed"
	RosterSynced      = "roster.synced"
)

// Event describes a change to a therapist's schedule.
type Event struct {
	Type         string
	TherapistID  int64
	SeriesID     int64
	OccurrenceID int64
	CreatedAt    time.Time
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish runs the subscribers of the event type synchronously and joins
// their errors.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
