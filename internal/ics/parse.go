package ics

import (
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"

	"calmirror/internal/model"
)

// Record is the structured view of one event resource. Times are normalized
// to UTC; all-day values are midnight-aligned UTC dates.
type Record struct {
	UID string

	Summary     string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	AllDay   bool
	Timezone string // TZID of DTSTART, empty for UTC, floating and all-day values

	RRule        string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID string

	Created      time.Time
	LastModified time.Time
	Sequence     int
}

// ApplyTo copies the structured fields of r onto ev. Identity, remote handle,
// raw text and sync status are left to the caller.
func (r Record) ApplyTo(ev *model.Event) {
	ev.UID = r.UID
	ev.Summary = r.Summary
	ev.Description = r.Description
	ev.Location = r.Location
	ev.Start = r.Start
	ev.End = r.End
	ev.AllDay = r.AllDay
	ev.Timezone = r.Timezone
	ev.RRule = r.RRule
	ev.RDates = r.RDates
	ev.ExDates = r.ExDates
	ev.RecurrenceID = r.RecurrenceID
	ev.Created = r.Created
	ev.LastModified = r.LastModified
	ev.Revision = r.Sequence
}

// Parse decodes the master VEVENT of an iCalendar payload.
//
// The master is the first VEVENT without RECURRENCE-ID; when every VEVENT is
// an override the first one is used. The end is taken from DTEND, then
// DURATION, then one day for all-day events, then the start itself.
func Parse(text string) (Record, error) {
	if strings.TrimSpace(text) == "" {
		return Record{}, &ParseError{Reason: "empty payload"}
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return Record{}, &ParseError{Reason: "malformed calendar", Err: err}
	}

	ve := masterEvent(cal.Events())
	if ve == nil {
		return Record{}, &ParseError{Reason: "no VEVENT found"}
	}
	return decodeEvent(ve)
}

func masterEvent(events []*ical.VEvent) *ical.VEvent {
	if len(events) == 0 {
		return nil
	}
	for _, ve := range events {
		if ve.GetProperty(ical.ComponentPropertyRecurrenceId) == nil {
			return ve
		}
	}
	return events[0]
}

func decodeEvent(ve *ical.VEvent) (Record, error) {
	var out Record

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, &ParseError{Reason: "missing UID"}
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, &ParseError{Reason: "missing DTSTART"}
	}
	start, allDay, err := decodeTimeProp(startProp)
	if err != nil {
		return out, &ParseError{Reason: "invalid DTSTART", Err: err}
	}
	out.Start = start
	out.AllDay = allDay
	if !allDay {
		out.Timezone = tzidParam(startProp)
	}

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, _, err := decodeTimeProp(ve.GetProperty(ical.ComponentPropertyDtEnd))
		if err != nil {
			return out, &ParseError{Reason: "invalid DTEND", Err: err}
		}
		out.End = end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := decodeDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, &ParseError{Reason: "invalid DURATION", Err: err}
		}
		out.End = start.Add(d)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}

	out.RRule = propValue(ve, ical.ComponentPropertyRrule)
	out.RDates = decodeTimeList(ve.GetProperties(ical.ComponentPropertyRdate))
	out.ExDates = decodeTimeList(ve.GetProperties(ical.ComponentPropertyExdate))
	out.RecurrenceID = propValue(ve, ical.ComponentPropertyRecurrenceId)

	if p := ve.GetProperty(ical.ComponentPropertyCreated); p != nil {
		out.Created, _, _ = decodeTimeProp(p)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		out.LastModified, _, _ = decodeTimeProp(p)
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil && n >= 0 {
			out.Sequence = n
		}
	}

	return out, nil
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return strings.TrimSpace(prop.Value)
	}
	return ""
}

func tzidParam(prop *ical.IANAProperty) string {
	if prop.ICalParameters == nil {
		return ""
	}
	if vs, ok := prop.ICalParameters[string(ical.ParameterTzid)]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

func isDateValue(prop *ical.IANAProperty) bool {
	if prop.ICalParameters == nil {
		return false
	}
	vs, ok := prop.ICalParameters[string(ical.ParameterValue)]
	return ok && len(vs) > 0 && strings.EqualFold(vs[0], string(ical.ValueDataTypeDate))
}

func decodeTimeProp(prop *ical.IANAProperty) (time.Time, bool, error) {
	t, allDay, err := parseICSTime(prop.Value, locationFor(tzidParam(prop)))
	if err != nil {
		return time.Time{}, false, err
	}
	return t, allDay || isDateValue(prop), nil
}

// decodeTimeList flattens comma-separated, possibly repeated RDATE/EXDATE
// properties into a sorted set. PERIOD values keep their start; unreadable
// entries are dropped.
func decodeTimeList(props []*ical.IANAProperty) []time.Time {
	var out []time.Time
	for _, p := range props {
		loc := locationFor(tzidParam(p))
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if i := strings.IndexByte(part, '/'); i >= 0 {
				part = part[:i]
			}
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return normalizeDates(out)
}

// decodeDuration reads a DURATION value such as "PT1H30M" or "-P1D".
func decodeDuration(v string) (time.Duration, error) {
	prop := goical.NewProp(goical.PropDuration)
	prop.Value = strings.TrimSpace(v)
	return prop.Duration()
}

// normalizeDates sorts and de-duplicates a date list.
func normalizeDates(in []time.Time) []time.Time {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]time.Time, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	out := sorted[:1]
	for _, t := range sorted[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
