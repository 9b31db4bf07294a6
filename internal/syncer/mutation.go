package syncer

import (
	"context"
	"errors"
	"fmt"

	"calmirror/internal/caldav"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/store"
)

type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is a local create, update or delete. Create uses Draft (and UID
// when set); Update uses Patch; Delete needs only UID.
type Mutation struct {
	Kind  MutationKind
	UID   string
	Draft ics.Draft
	Patch ics.Patch
}

// MutationResult is the record after the local write and the push attempt.
// Deleted is set when the record no longer exists locally.
type MutationResult struct {
	Event   model.Event
	Deleted bool
	// PushErr is the remote failure, if any. The local write stands.
	PushErr error
}

// ApplyLocalMutation writes the change locally first, marks it pending and
// then tries to push it. A failed push leaves the record pending for the next
// pass; only local failures are returned as errors.
func (e *Engine) ApplyLocalMutation(ctx context.Context, calendarID string, m Mutation) (MutationResult, error) {
	cal, err := e.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return MutationResult{}, notFound(err)
	}
	if !cal.Writable {
		return MutationResult{}, ErrReadOnlyCalendar
	}

	var ev model.Event
	switch m.Kind {
	case MutationCreate:
		ev, err = e.createLocal(ctx, cal, m)
	case MutationUpdate:
		ev, err = e.updateLocal(ctx, cal, m)
	case MutationDelete:
		var gone bool
		ev, gone, err = e.deleteLocal(ctx, cal, m)
		if err == nil && gone {
			return MutationResult{Event: ev, Deleted: true}, nil
		}
	default:
		err = fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		return MutationResult{}, err
	}

	t, err := e.session.Transport()
	if err != nil {
		appLog.Info("not connected, change stays pending", "calendar", cal.ID, "uid", ev.UID, "status", string(ev.SyncStatus))
		return MutationResult{Event: ev, PushErr: err}, nil
	}
	return e.pushMutation(ctx, t, cal, ev), nil
}

func (e *Engine) pushMutation(ctx context.Context, t caldav.Transport, cal model.Calendar, ev model.Event) MutationResult {
	deleting := ev.SyncStatus == model.StatusPendingDelete
	after, err := e.push(ctx, t, cal, ev)
	if err != nil {
		appLog.Warn("push failed, change stays pending", "calendar", cal.ID, "uid", ev.UID, "status", string(ev.SyncStatus), "error", err)
		return MutationResult{Event: ev, PushErr: err}
	}
	if deleting {
		return MutationResult{Event: ev, Deleted: true}
	}
	return MutationResult{Event: after}
}

func (e *Engine) createLocal(ctx context.Context, cal model.Calendar, m Mutation) (model.Event, error) {
	uid := m.UID
	if uid == "" {
		uid = e.newUID()
	}
	raw, err := ics.Build(m.Draft, uid)
	if err != nil {
		return model.Event{}, err
	}
	rec, err := ics.Parse(raw)
	if err != nil {
		return model.Event{}, err
	}

	ev := model.Event{
		CalendarID:    cal.ID,
		Raw:           raw,
		SyncStatus:    model.StatusPendingCreate,
		LocalModified: e.now().UTC(),
	}
	rec.ApplyTo(&ev)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

func (e *Engine) updateLocal(ctx context.Context, cal model.Calendar, m Mutation) (model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.liveEvent(ctx, cal.ID, m.UID)
	if err != nil {
		return model.Event{}, err
	}
	raw, err := ics.ApplyPatch(ev.Raw, m.Patch)
	if err != nil {
		return model.Event{}, err
	}
	rec, err := ics.Parse(raw)
	if err != nil {
		return model.Event{}, err
	}

	rec.ApplyTo(&ev)
	ev.Raw = raw
	ev.LocalModified = e.now().UTC()
	if ev.SyncStatus != model.StatusPendingCreate {
		ev.SyncStatus = model.StatusPendingUpdate
	}
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// deleteLocal removes a never-pushed record outright; anything else becomes
// pending_delete. The bool reports an outright removal.
func (e *Engine) deleteLocal(ctx context.Context, cal model.Calendar, m Mutation) (model.Event, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := e.liveEvent(ctx, cal.ID, m.UID)
	if err != nil {
		return model.Event{}, false, err
	}
	if !ev.HasRemote() {
		if err := e.store.DeleteEvent(ctx, cal.ID, ev.UID); err != nil {
			return model.Event{}, false, err
		}
		return ev, true, nil
	}

	ev.SyncStatus = model.StatusPendingDelete
	ev.LocalModified = e.now().UTC()
	if err := e.store.UpdateEvent(ctx, ev); err != nil {
		return model.Event{}, false, err
	}
	return ev, false, nil
}

// liveEvent loads a record that has not been deleted locally.
func (e *Engine) liveEvent(ctx context.Context, calendarID, uid string) (model.Event, error) {
	if uid == "" {
		return model.Event{}, errors.New("uid is required")
	}
	ev, err := e.store.GetEvent(ctx, calendarID, uid)
	if errors.Is(err, store.ErrNotFound) || (err == nil && ev.SyncStatus == model.StatusPendingDelete) {
		return model.Event{}, ErrNotFound
	}
	return ev, err
}
