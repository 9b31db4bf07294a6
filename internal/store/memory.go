package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"calmirror/internal/model"
)

// Memory is an in-process Store and SecretStore. Useful for tests and for
// running without a database file.
type Memory struct {
	mu        sync.RWMutex
	calendars map[string]model.Calendar
	events    map[eventKey]model.Event
	secrets   map[string][]byte
}

type eventKey struct {
	calendarID string
	uid        string
}

var (
	_ Store       = (*Memory)(nil)
	_ SecretStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		calendars: make(map[string]model.Calendar),
		events:    make(map[eventKey]model.Event),
		secrets:   make(map[string][]byte),
	}
}

func (m *Memory) ListCalendars(_ context.Context) ([]model.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Calendar, 0, len(m.calendars))
	for _, cal := range m.calendars {
		out = append(out, cal)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetCalendar(_ context.Context, id string) (model.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cal, ok := m.calendars[id]
	if !ok {
		return model.Calendar{}, ErrNotFound
	}
	return cal, nil
}

func (m *Memory) UpsertCalendar(_ context.Context, cal model.Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calendars[cal.ID] = cal
	return nil
}

func (m *Memory) DeleteCalendar(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calendars[id]; !ok {
		return ErrNotFound
	}
	for key := range m.events {
		if key.calendarID == id {
			return ErrCalendarNotEmpty
		}
	}
	delete(m.calendars, id)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, calendarID, uid string) (model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[eventKey{calendarID, uid}]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (m *Memory) ListEvents(ctx context.Context, calendarID string) ([]model.Event, error) {
	return m.QueryEvents(ctx, EventQuery{CalendarIDs: []string{calendarID}})
}

func (m *Memory) QueryEvents(_ context.Context, q EventQuery) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Event, 0, 16)
	for _, ev := range m.events {
		if matchesQuery(ev, q) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func (m *Memory) CreateEvent(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calendars[ev.CalendarID]; !ok {
		return ErrNotFound
	}
	key := eventKey{ev.CalendarID, ev.UID}
	if _, ok := m.events[key]; ok {
		return ErrExists
	}
	m.events[key] = cloneEvent(ev)
	return nil
}

func (m *Memory) UpdateEvent(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey{ev.CalendarID, ev.UID}
	if _, ok := m.events[key]; !ok {
		return ErrNotFound
	}
	m.events[key] = cloneEvent(ev)
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, calendarID, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey{calendarID, uid}
	if _, ok := m.events[key]; !ok {
		return ErrNotFound
	}
	delete(m.events, key)
	return nil
}

func (m *Memory) GetSecret(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.secrets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) PutSecret(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secrets[name] = slices.Clone(value)
	return nil
}

func (m *Memory) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, name)
	return nil
}

func cloneEvent(ev model.Event) model.Event {
	ev.RDates = slices.Clone(ev.RDates)
	ev.ExDates = slices.Clone(ev.ExDates)
	return ev
}
