// Package store persists calendars, events and small secrets. The engine
// only depends on the Store and SecretStore contracts.
package store

import (
	"context"
	"errors"
	"time"

	"calmirror/internal/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrCalendarNotEmpty = errors.New("calendar still has events")
)

// EventQuery selects events for a read. Events are returned ordered by start
// time, then uid.
//
// With a non-zero window, an event matches when it overlaps [From, To) or
// when it is recurring and starts before To; recurring events are narrowed
// later by expansion.
type EventQuery struct {
	CalendarIDs []string // empty means every calendar
	From        time.Time
	To          time.Time
}

func (q EventQuery) hasWindow() bool {
	return !q.From.IsZero() || !q.To.IsZero()
}

type Store interface {
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	GetCalendar(ctx context.Context, id string) (model.Calendar, error)
	UpsertCalendar(ctx context.Context, cal model.Calendar) error
	// DeleteCalendar fails with ErrCalendarNotEmpty while events remain.
	DeleteCalendar(ctx context.Context, id string) error

	GetEvent(ctx context.Context, calendarID, uid string) (model.Event, error)
	ListEvents(ctx context.Context, calendarID string) ([]model.Event, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]model.Event, error)
	CreateEvent(ctx context.Context, ev model.Event) error
	UpdateEvent(ctx context.Context, ev model.Event) error
	DeleteEvent(ctx context.Context, calendarID, uid string) error
}

// SecretStore keeps opaque blobs such as encrypted credentials.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) ([]byte, error)
	PutSecret(ctx context.Context, name string, value []byte) error
	DeleteSecret(ctx context.Context, name string) error
}

// matchesQuery applies EventQuery semantics in memory.
func matchesQuery(ev model.Event, q EventQuery) bool {
	if len(q.CalendarIDs) > 0 {
		found := false
		for _, id := range q.CalendarIDs {
			if id == ev.CalendarID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.hasWindow() {
		return true
	}
	if !q.To.IsZero() && !ev.Start.Before(q.To) {
		return false
	}
	if ev.Recurring() || q.From.IsZero() {
		return true
	}
	if ev.End.After(ev.Start) {
		return ev.End.After(q.From)
	}
	return !ev.Start.Before(q.From)
}
