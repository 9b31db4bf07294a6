package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calmirror/internal/caldav"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/store"
)

// Summary reports one reconcile pass. It is produced even when some
// calendars or items failed.
type Summary struct {
	Calendars int `json:"calendars"` // calendars reconciled successfully
	Touched   int `json:"events_touched"`

	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Pushed  int `json:"pushed"`

	// Unprocessed counts remote items that could not be parsed.
	Unprocessed int `json:"unprocessed"`
	// PushFailures counts pending records whose push failed; they stay pending.
	PushFailures int `json:"push_failures"`
	// Skipped counts calendars whose change token had not moved.
	Skipped int `json:"skipped"`

	Failed []CalendarFailure `json:"failed,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

type CalendarFailure struct {
	CalendarID string `json:"calendar_id"`
	Error      string `json:"error"`
}

func (s *Summary) add(o Summary) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Pushed += o.Pushed
	s.Unprocessed += o.Unprocessed
	s.PushFailures += o.PushFailures
	s.Skipped += o.Skipped
	s.Touched = s.Created + s.Updated + s.Deleted + s.Pushed
}

// Reconcile runs one pass over every calendar. Calendars are refreshed from
// the remote listing first; when listing fails the locally known calendars
// are used. A failing calendar is recorded and the pass moves on.
func (e *Engine) Reconcile(ctx context.Context) (Summary, error) {
	return e.guarded(ctx, func(ctx context.Context, t caldav.Transport, sum *Summary) error {
		refs, err := e.discoverCalendars(ctx, t)
		if err != nil {
			if caldav.IsAuth(err) {
				return err
			}
			appLog.Warn("calendar discovery failed, using known calendars", "error", err)
			refs, err = e.knownCalendars(ctx)
			if err != nil {
				return err
			}
		}
		for _, ref := range refs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.reconcileOne(ctx, t, ref, sum)
		}
		return nil
	})
}

// ReconcileCalendar runs a pass for a single calendar.
func (e *Engine) ReconcileCalendar(ctx context.Context, calendarID string) (Summary, error) {
	return e.guarded(ctx, func(ctx context.Context, t caldav.Transport, sum *Summary) error {
		cal, err := e.store.GetCalendar(ctx, calendarID)
		if err != nil {
			return notFound(err)
		}
		e.reconcileOne(ctx, t, calendarRef{cal: cal}, sum)
		if len(sum.Failed) > 0 {
			return errors.New(sum.Failed[0].Error)
		}
		return nil
	})
}

func (e *Engine) guarded(ctx context.Context, fn func(context.Context, caldav.Transport, *Summary) error) (Summary, error) {
	sum := Summary{Started: e.now().UTC()}

	t, err := e.session.Transport()
	if err != nil {
		return sum, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return sum, ErrSyncInProgress
	}
	defer e.running.Store(false)

	err = fn(ctx, t, &sum)
	sum.Finished = e.now().UTC()
	appLog.Info("sync pass finished",
		"calendars", sum.Calendars,
		"touched", sum.Touched,
		"unprocessed", sum.Unprocessed,
		"failed", len(sum.Failed),
		"took", sum.Finished.Sub(sum.Started).String(),
	)
	return sum, err
}

func (e *Engine) knownCalendars(ctx context.Context) ([]calendarRef, error) {
	cals, err := e.store.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]calendarRef, 0, len(cals))
	for _, c := range cals {
		refs = append(refs, calendarRef{cal: c})
	}
	return refs, nil
}

func (e *Engine) reconcileOne(ctx context.Context, t caldav.Transport, ref calendarRef, sum *Summary) {
	out, err := e.reconcileCalendar(ctx, t, ref)
	sum.add(out)
	if err != nil {
		appLog.Error("calendar sync failed", err, "calendar", ref.cal.ID)
		sum.Failed = append(sum.Failed, CalendarFailure{CalendarID: ref.cal.ID, Error: err.Error()})
		return
	}
	sum.Calendars++
}

func (e *Engine) reconcileCalendar(ctx context.Context, t caldav.Transport, ref calendarRef) (Summary, error) {
	var sum Summary
	cal := ref.cal

	locals, err := e.store.ListEvents(ctx, cal.ID)
	if err != nil {
		return sum, err
	}
	pending := 0
	for _, ev := range locals {
		if ev.SyncStatus.Pending() {
			pending++
		}
	}

	if ref.remoteToken != "" && ref.remoteToken == cal.ChangeToken && pending == 0 {
		sum.Skipped++
		return sum, e.markSynced(ctx, cal, ref.remoteToken)
	}

	items, err := remote(ctx, func(ctx context.Context) ([]caldav.RemoteItem, error) {
		return t.FetchAllEvents(ctx, cal.Handle)
	})
	if err != nil {
		return sum, err
	}

	seen := make(map[string]bool, len(items))
	pushed := make(map[string]bool)
	for _, item := range items {
		rec, err := ics.Parse(item.Data)
		if err == nil && rec.UID == "" {
			err = errors.New("missing UID")
		}
		if err != nil {
			sum.Unprocessed++
			appLog.Warn("skipping unparsable remote item", "calendar", cal.ID, "href", item.Href, "error", err)
			continue
		}
		if seen[rec.UID] {
			continue
		}
		seen[rec.UID] = true

		ev, push, err := e.mergeRemote(ctx, cal, item, rec, &sum)
		if err != nil {
			return sum, err
		}
		if push {
			pushed[rec.UID] = true
			e.pushCounted(ctx, t, cal, ev, &sum)
		}
	}

	// Sweep: synced records the server no longer has are gone; pending ones
	// get their push for this pass.
	current, err := e.store.ListEvents(ctx, cal.ID)
	if err != nil {
		return sum, err
	}
	for _, ev := range current {
		if seen[ev.UID] || pushed[ev.UID] {
			continue
		}
		if ev.SyncStatus.Pending() {
			e.pushCounted(ctx, t, cal, ev, &sum)
			continue
		}
		deleted, err := e.deleteIfSynced(ctx, cal.ID, ev.UID)
		if err != nil {
			return sum, err
		}
		if deleted {
			sum.Deleted++
		}
	}

	sum.Touched = sum.Created + sum.Updated + sum.Deleted + sum.Pushed
	return sum, e.markSynced(ctx, cal, ref.remoteToken)
}

// mergeRemote applies one parsed remote item to the local record. It reports
// whether the local record is pending and needs a push.
func (e *Engine) mergeRemote(ctx context.Context, cal model.Calendar, item caldav.RemoteItem, rec ics.Record, sum *Summary) (model.Event, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	local, err := e.store.GetEvent(ctx, cal.ID, rec.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ev := eventFromRemote(cal.ID, item, rec)
		if err := e.store.CreateEvent(ctx, ev); err != nil {
			return ev, false, fmt.Errorf("failed to insert event %s: %w", rec.UID, err)
		}
		sum.Created++
		return ev, false, nil
	case err != nil:
		return local, false, err
	}

	if local.SyncStatus.Pending() {
		// The local edit wins; push it against the object as it is now so
		// the conditional write does not fail on a stale etag.
		if local.Href != item.Href || local.ETag != item.ETag {
			local.Href, local.ETag = item.Href, item.ETag
			if err := e.store.UpdateEvent(ctx, local); err != nil {
				return local, false, err
			}
		}
		return local, true, nil
	}

	if local.Href == item.Href && (local.Raw == item.Data || (item.ETag != "" && local.ETag == item.ETag)) {
		if local.ETag != item.ETag {
			local.ETag = item.ETag
			if err := e.store.UpdateEvent(ctx, local); err != nil {
				return local, false, err
			}
		}
		return local, false, nil
	}

	ev := eventFromRemote(cal.ID, item, rec)
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return ev, false, fmt.Errorf("failed to update event %s: %w", rec.UID, err)
	}
	sum.Updated++
	return ev, false, nil
}

func (e *Engine) deleteIfSynced(ctx context.Context, calendarID, uid string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.store.GetEvent(ctx, calendarID, uid)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ev.SyncStatus != model.StatusSynced {
		return false, nil
	}
	if err := e.store.DeleteEvent(ctx, calendarID, uid); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return true, nil
}

func (e *Engine) markSynced(ctx context.Context, cal model.Calendar, token string) error {
	cal.LastSynced = e.now().UTC()
	if token != "" {
		cal.ChangeToken = token
	}
	return e.store.UpsertCalendar(ctx, cal)
}

func (e *Engine) pushCounted(ctx context.Context, t caldav.Transport, cal model.Calendar, ev model.Event, sum *Summary) {
	if _, err := e.push(ctx, t, cal, ev); err != nil {
		sum.PushFailures++
		appLog.Warn("push failed, record stays pending", "calendar", cal.ID, "uid", ev.UID, "status", string(ev.SyncStatus), "error", err)
		return
	}
	sum.Pushed++
}

// push sends one pending record to the server. On success the record becomes
// synced (or is removed for a delete) unless it was edited again meanwhile.
func (e *Engine) push(ctx context.Context, t caldav.Transport, cal model.Calendar, ev model.Event) (model.Event, error) {
	switch ev.SyncStatus {
	case model.StatusPendingDelete:
		if ev.HasRemote() {
			err := remoteErr(ctx, func(ctx context.Context) error {
				return t.DeleteEvent(ctx, cal.Handle, caldav.RemoteHandle{Href: ev.Href, ETag: ev.ETag})
			})
			if err != nil {
				return ev, err
			}
		}
		return ev, e.settleDelete(ctx, ev)

	case model.StatusPendingCreate, model.StatusPendingUpdate:
		var (
			h   caldav.RemoteHandle
			err error
		)
		if ev.HasRemote() {
			h, err = remote(ctx, func(ctx context.Context) (caldav.RemoteHandle, error) {
				return t.UpdateEvent(ctx, cal.Handle, caldav.RemoteHandle{Href: ev.Href, ETag: ev.ETag}, ev.Raw)
			})
		} else {
			h, err = remote(ctx, func(ctx context.Context) (caldav.RemoteHandle, error) {
				return t.CreateEvent(ctx, cal.Handle, ev.UID, ev.Raw)
			})
		}
		if err != nil {
			return ev, err
		}
		return e.settlePush(ctx, ev, h)
	}
	return ev, nil
}

func (e *Engine) settlePush(ctx context.Context, pushed model.Event, h caldav.RemoteHandle) (model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.store.GetEvent(ctx, pushed.CalendarID, pushed.UID)
	if err != nil {
		return pushed, err
	}
	if h.Href != "" {
		cur.Href = h.Href
	}
	cur.ETag = h.ETag
	switch {
	case cur.SyncStatus == model.StatusPendingDelete:
		// Deleted locally while the push ran; the delete goes out next.
	case cur.Raw == pushed.Raw:
		cur.SyncStatus = model.StatusSynced
	case cur.SyncStatus == model.StatusPendingCreate:
		// Edited while the create ran; the remote copy now exists.
		cur.SyncStatus = model.StatusPendingUpdate
	}
	if err := e.store.UpdateEvent(ctx, cur); err != nil {
		return cur, err
	}
	return cur, nil
}

func (e *Engine) settleDelete(ctx context.Context, ev model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.store.GetEvent(ctx, ev.CalendarID, ev.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.SyncStatus != model.StatusPendingDelete {
		return nil
	}
	if err := e.store.DeleteEvent(ctx, ev.CalendarID, ev.UID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func eventFromRemote(calendarID string, item caldav.RemoteItem, rec ics.Record) model.Event {
	ev := model.Event{
		CalendarID: calendarID,
		Href:       item.Href,
		ETag:       item.ETag,
		Raw:        item.Data,
		SyncStatus: model.StatusSynced,
	}
	rec.ApplyTo(&ev)
	return ev
}
