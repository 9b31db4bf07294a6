package ics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calmirror/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone instances are converted to.
	// If nil, UTC is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the ordered instances and the events that needed
// special handling.
type ExpandResult struct {
	Instances []model.ExpandedInstance

	// Fallbacks lists UIDs whose recurrence could not be evaluated; each got
	// a single instance at its stored start/end.
	Fallbacks []string

	// Truncated lists UIDs that hit MaxOccurrencesPerEvent.
	Truncated []string
}

// Expand turns events into concrete instances overlapping the window, sorted
// by start. It performs no I/O and keeps no state between calls.
//
// Recurring events are evaluated from their raw text, so RDATE, EXDATE and
// RECURRENCE-ID overrides stored there are authoritative:
//
//   - RDATE values add instances even off the rule's natural set
//   - EXDATE values remove instances
//   - an override VEVENT replaces the occurrence its RECURRENCE-ID names
func Expand(events []model.Event, cfg ExpandConfig) ExpandResult {
	var result ExpandResult

	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if !cfg.RangeEnd.After(cfg.RangeStart) {
		return result
	}

	for _, ev := range events {
		stored := occurrence{start: ev.Start, end: ev.End, allDay: ev.AllDay}
		if !ev.Recurring() {
			if stored.overlaps(cfg) {
				result.Instances = append(result.Instances, makeInstance(ev, stored, ev.Start, cfg.DisplayLocation))
			}
			continue
		}

		occ, capped, err := expandRecurring(ev, cfg)
		if err != nil {
			result.Fallbacks = append(result.Fallbacks, ev.UID)
			result.Instances = append(result.Instances, makeInstance(ev, stored, ev.Start, cfg.DisplayLocation))
			continue
		}
		if capped {
			result.Truncated = append(result.Truncated, ev.UID)
		}
		result.Instances = append(result.Instances, occ...)
	}

	sortInstances(result.Instances)
	return result
}

// MaxZoneOffset bounds how far a floating all-day date can move when it is
// placed in a display zone. Callers widen stored-time queries by it.
const MaxZoneOffset = 14 * time.Hour

// occurrence is one concrete slot, possibly replaced by an override.
type occurrence struct {
	start, end time.Time
	allDay     bool

	override *Record
}

// span places the occurrence in loc. All-day dates are floating: they keep
// their calendar date and start at local midnight.
func (o occurrence) span(loc *time.Location) (time.Time, time.Time) {
	if o.allDay {
		return floatingDate(o.start, loc), floatingDate(o.end, loc)
	}
	return o.start.In(loc), o.end.In(loc)
}

func (o occurrence) overlaps(cfg ExpandConfig) bool {
	s, e := o.span(cfg.DisplayLocation)
	return overlaps(s, e, cfg.RangeStart, cfg.RangeEnd)
}

// floatingDate returns local midnight in loc of the date t carries in UTC.
func floatingDate(t time.Time, loc *time.Location) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

type override struct {
	rid time.Time
	rec Record
}

func expandRecurring(ev model.Event, cfg ExpandConfig) ([]model.ExpandedInstance, bool, error) {
	if strings.TrimSpace(ev.Raw) == "" {
		return nil, false, errors.New("no canonical text")
	}
	cal, err := ical.ParseCalendar(strings.NewReader(ev.Raw))
	if err != nil {
		return nil, false, err
	}
	vevents := cal.Events()
	master := masterEvent(vevents)
	if master == nil {
		return nil, false, errors.New("no VEVENT found")
	}
	rec, err := decodeEvent(master)
	if err != nil {
		return nil, false, err
	}
	if rec.RRule == "" {
		return nil, false, errors.New("raw text carries no RRULE")
	}

	loc := time.UTC
	if !rec.AllDay {
		loc = locationFor(rec.Timezone)
	}

	opt, err := rrule.StrToROptionInLocation(rec.RRule, loc)
	if err != nil {
		return nil, false, fmt.Errorf("rrule %q: %w", rec.RRule, err)
	}
	opt.Dtstart = rec.Start.In(loc)
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("rrule %q: %w", rec.RRule, err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, d := range rec.RDates {
		set.RDate(d.In(loc))
	}
	for _, d := range rec.ExDates {
		set.ExDate(d.In(loc))
	}

	dur := rec.End.Sub(rec.Start)
	if rec.AllDay && dur <= 0 {
		dur = 24 * time.Hour
	}
	if dur < 0 {
		dur = 0
	}

	overrides := collectOverrides(vevents, master, rec.UID)

	// Widen the lower bound so instances that started before the window
	// but are still running are included. Floating dates can land up to a
	// zone offset away from their UTC anchor.
	lower, upper := cfg.RangeStart.Add(-dur), cfg.RangeEnd
	if rec.AllDay {
		lower, upper = lower.Add(-MaxZoneOffset), upper.Add(MaxZoneOffset)
	}
	starts := set.Between(lower.In(loc), upper.In(loc), true)

	out := make([]model.ExpandedInstance, 0, len(starts))
	emit := func(o occurrence, key time.Time) bool {
		if !o.overlaps(cfg) {
			return true
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return false
		}
		out = append(out, makeInstance(ev, o, key, cfg.DisplayLocation))
		return true
	}

	// Overridden slots are emitted from the override pass, wherever the
	// override moved them.
	for _, s := range starts {
		if _, ok := findOverrideForStart(overrides, s.UTC()); ok {
			continue
		}
		o := occurrence{start: s.UTC(), end: s.UTC().Add(dur), allDay: rec.AllDay}
		if !emit(o, s.UTC()) {
			return out, true, nil
		}
	}
	for _, ov := range overrides {
		if !inSet(&set, ov.rid.In(loc)) {
			continue
		}
		rec := ov.rec
		o := occurrence{start: rec.Start, end: rec.End, allDay: rec.AllDay, override: &rec}
		if !emit(o, ov.rid) {
			return out, true, nil
		}
	}
	return out, false, nil
}

// inSet reports whether t is one of the set's occurrences.
func inSet(set *rrule.Set, t time.Time) bool {
	return len(set.Between(t, t, true)) > 0
}

func collectOverrides(vevents []*ical.VEvent, master *ical.VEvent, uid string) []override {
	var out []override
	for _, ve := range vevents {
		if ve == master {
			continue
		}
		ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId)
		if ridProp == nil {
			continue
		}
		rid, _, err := decodeTimeProp(ridProp)
		if err != nil {
			continue
		}
		rec, err := decodeEvent(ve)
		if err != nil || rec.UID != uid {
			continue
		}
		out = append(out, override{rid: rid, rec: rec})
	}
	return out
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// generated start exactly.
func findOverrideForStart(overrides []override, start time.Time) (override, bool) {
	for _, ov := range overrides {
		if ov.rid.Equal(start) {
			return ov, true
		}
	}
	return override{}, false
}

// makeInstance projects an event occurrence into displayLoc. key is the
// generated (pre-override) start and identifies the instance.
func makeInstance(ev model.Event, o occurrence, key time.Time, displayLoc *time.Location) model.ExpandedInstance {
	inst := model.ExpandedInstance{
		CalendarID:  ev.CalendarID,
		UID:         ev.UID,
		InstanceKey: key.UTC().Format(time.RFC3339Nano),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      o.allDay,
	}
	inst.Start, inst.End = o.span(displayLoc)
	if o.override != nil {
		inst.Summary = o.override.Summary
		inst.Description = o.override.Description
		inst.Location = o.override.Location
	}
	if ev.Recurring() {
		inst.Recurring = true
		inst.MasterUID = ev.UID
		inst.RRule = ev.RRule
	}
	return inst
}

// overlaps reports whether [start, end) intersects [ws, we). A zero-length
// event counts when its instant lies inside the window.
func overlaps(start, end, ws, we time.Time) bool {
	if !end.After(start) {
		return !start.Before(ws) && start.Before(we)
	}
	return start.Before(we) && end.After(ws)
}

func sortInstances(in []model.ExpandedInstance) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.CalendarID != b.CalendarID {
			return a.CalendarID < b.CalendarID
		}
		if a.UID != b.UID {
			return a.UID < b.UID
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.InstanceKey < b.InstanceKey
	})
}
