package syncer

import (
	"context"
	"errors"
	"time"

	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/store"
)

// ListInstances expands the stored events of the given calendars (all when
// empty) over [from, to). It has no side effects.
func (e *Engine) ListInstances(ctx context.Context, calendarIDs []string, from, to time.Time) (ics.ExpandResult, error) {
	if !to.After(from) {
		return ics.ExpandResult{Instances: []model.ExpandedInstance{}}, errors.New("window end must be after start")
	}

	// All-day dates float, so their stored UTC bounds can sit a zone offset
	// outside the window.
	events, err := e.store.QueryEvents(ctx, store.EventQuery{
		CalendarIDs: calendarIDs,
		From:        from.Add(-ics.MaxZoneOffset),
		To:          to.Add(ics.MaxZoneOffset),
	})
	if err != nil {
		return ics.ExpandResult{}, err
	}
	live := events[:0]
	for _, ev := range events {
		if ev.SyncStatus != model.StatusPendingDelete {
			live = append(live, ev)
		}
	}

	res := ics.Expand(live, ics.ExpandConfig{
		DisplayLocation:        e.loc,
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: e.maxPerItem,
	})
	if res.Instances == nil {
		res.Instances = []model.ExpandedInstance{}
	}
	for _, uid := range res.Fallbacks {
		appLog.Warn("recurrence could not be evaluated, showing stored occurrence", "uid", uid)
	}
	for _, uid := range res.Truncated {
		appLog.Warn("recurrence truncated at occurrence cap", "uid", uid, "cap", e.maxPerItem)
	}
	return res, nil
}

// GetEvent returns a stored event. Records deleted locally but not yet on
// the server are reported as not found.
func (e *Engine) GetEvent(ctx context.Context, calendarID, uid string) (model.Event, error) {
	ev, err := e.store.GetEvent(ctx, calendarID, uid)
	if err != nil {
		return model.Event{}, notFound(err)
	}
	if ev.SyncStatus == model.StatusPendingDelete {
		return model.Event{}, ErrNotFound
	}
	return ev, nil
}
