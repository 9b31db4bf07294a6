// Package syncer keeps the local calendar cache consistent with the remote
// account. It is the only writer of event text.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"calmirror/internal/caldav"
	"calmirror/internal/credentials"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/store"
)

// DefaultColor is used for calendars whose server reports no color.
const DefaultColor = "#3788d8"

type Options struct {
	// Location is the zone expanded instances are reported in.
	Location *time.Location

	// MaxOccurrencesPerEvent caps recurring expansion per event.
	MaxOccurrencesPerEvent int

	Now    func() time.Time
	NewUID func() string
}

// Engine reconciles local records with the remote account and applies local
// mutations.
type Engine struct {
	store   store.Store
	creds   credentials.Store
	session *Session
	dial    caldav.Dialer

	loc        *time.Location
	maxPerItem int
	now        func() time.Time
	newUID     func() string

	// running guards Reconcile: a second trigger is dropped, not queued.
	running atomic.Bool

	// mu serializes read-modify-write of local event records between the
	// reconcile pass and local mutations. It is never held across a remote
	// call.
	mu sync.Mutex
}

func NewEngine(st store.Store, creds credentials.Store, session *Session, dial caldav.Dialer, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewUID == nil {
		opts.NewUID = uuid.NewString
	}
	if session == nil {
		session = NewSession()
	}
	return &Engine{
		store:      st,
		creds:      creds,
		session:    session,
		dial:       dial,
		loc:        opts.Location,
		maxPerItem: opts.MaxOccurrencesPerEvent,
		now:        opts.Now,
		newUID:     opts.NewUID,
	}
}

func (e *Engine) Session() *Session {
	return e.session
}

// InProgress reports whether a reconcile pass is running.
func (e *Engine) InProgress() bool {
	return e.running.Load()
}

// Connect verifies the credentials, discovers calendars, stores the
// credentials and attaches the session.
func (e *Engine) Connect(ctx context.Context, username, secret string) ([]model.Calendar, error) {
	if username == "" || secret == "" {
		return nil, errors.New("username and secret are required")
	}
	t, err := e.open(ctx, username, secret)
	if err != nil {
		return nil, err
	}

	refs, err := e.discoverCalendars(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := e.creds.Save(ctx, credentials.Credentials{Username: username, Secret: secret}); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	e.session.Attach(t, username)
	appLog.Info("connected to calendar account", "user", username, "calendars", len(refs))

	out := make([]model.Calendar, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.cal)
	}
	return out, nil
}

// AutoConnect attaches a session from stored credentials. It reports false
// without error when nothing is stored.
func (e *Engine) AutoConnect(ctx context.Context) (bool, error) {
	c, err := e.creds.Get(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		appLog.Info("no stored credentials, skipping auto-connect")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	t, err := e.open(ctx, c.Username, c.Secret)
	if err != nil {
		appLog.Warn("auto-connect failed", "user", c.Username, "error", err)
		return false, err
	}
	e.session.Attach(t, c.Username)
	appLog.Info("auto-connected to calendar account", "user", c.Username)
	return true, nil
}

// Disconnect detaches the session and clears stored credentials. Cached
// calendars and events stay.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.session.Detach()
	if err := e.creds.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	appLog.Info("disconnected from calendar account")
	return nil
}

func (e *Engine) open(ctx context.Context, username, secret string) (caldav.Transport, error) {
	if e.dial == nil {
		return nil, errors.New("no transport dialer configured")
	}
	t, err := e.dial(username, secret)
	if err != nil {
		return nil, err
	}
	if err := remoteErr(ctx, t.VerifyCredentials); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	return e.store.ListCalendars(ctx)
}

// RemoveCalendar deletes the calendar's events one by one and then the
// calendar itself. Nothing is deleted remotely.
func (e *Engine) RemoveCalendar(ctx context.Context, calendarID string) (int, error) {
	if _, err := e.store.GetCalendar(ctx, calendarID); err != nil {
		return 0, notFound(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.store.ListEvents(ctx, calendarID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ev := range events {
		if err := e.store.DeleteEvent(ctx, calendarID, ev.UID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return removed, fmt.Errorf("failed to remove event %s: %w", ev.UID, err)
		}
		removed++
	}
	if err := e.store.DeleteCalendar(ctx, calendarID); err != nil {
		return removed, err
	}
	appLog.Info("calendar removed", "calendar", calendarID, "events", removed)
	return removed, nil
}

// calendarRef pairs a stored calendar with the change token the server
// reported in this listing.
type calendarRef struct {
	cal         model.Calendar
	remoteToken string
}

// discoverCalendars lists remote calendars and upserts them locally, keeping
// sync bookkeeping of known ones.
func (e *Engine) discoverCalendars(ctx context.Context, t caldav.Transport) ([]calendarRef, error) {
	remotes, err := remote(ctx, t.ListCalendars)
	if err != nil {
		return nil, err
	}

	refs := make([]calendarRef, 0, len(remotes))
	for _, rc := range remotes {
		cal := model.Calendar{
			ID:        caldav.CalendarID(rc.URL),
			Handle:    rc.Handle,
			RemoteURL: rc.URL,
			Name:      rc.Name,
			Color:     rc.Color,
			Writable:  rc.Writable,
		}
		if cal.Color == "" {
			cal.Color = DefaultColor
		}
		if cal.Name == "" {
			cal.Name = cal.ID
		}
		if known, err := e.store.GetCalendar(ctx, cal.ID); err == nil {
			cal.LastSynced = known.LastSynced
			cal.ChangeToken = known.ChangeToken
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err := e.store.UpsertCalendar(ctx, cal); err != nil {
			return nil, err
		}
		refs = append(refs, calendarRef{cal: cal, remoteToken: rc.ChangeToken})
	}
	return refs, nil
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
