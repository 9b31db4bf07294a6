package ics

import (
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// ProductID is written into every calendar object this package creates.
const ProductID = "-//calmirror//calmirror 1.0//EN"

var nowFunc = time.Now

// Draft carries the fields of a new event.
type Draft struct {
	Summary     string
	Description string
	Location    string

	Start    time.Time
	End      time.Time // zero means one day for all-day events, else Start
	AllDay   bool
	Timezone string // optional IANA zone for wall-clock DTSTART/DTEND

	RRule   string
	RDates  []time.Time
	ExDates []time.Time
}

// Build serializes a new event as a complete VCALENDAR object with CRLF line
// endings. SEQUENCE starts at 0 and CREATED, LAST-MODIFIED and DTSTAMP are
// set to the current time.
func Build(d Draft, uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", &PatchError{Field: "uid", Reason: "required"}
	}
	summary := strings.TrimSpace(d.Summary)
	if summary == "" {
		return "", &PatchError{Field: "summary", Reason: "required"}
	}
	if d.Start.IsZero() {
		return "", &PatchError{Field: "start", Reason: "required"}
	}

	tz, err := checkTimezone(d.Timezone, d.AllDay)
	if err != nil {
		return "", err
	}
	start, end, err := normalizeSpan(d.Start, d.End, d.AllDay, d.End.IsZero())
	if err != nil {
		return "", err
	}
	rule, err := checkRRule(d.RRule)
	if err != nil {
		return "", err
	}

	now := nowFunc().UTC()

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)

	ve := cal.AddEvent(uid)
	ve.SetDtStampTime(now)
	ve.SetCreatedTime(now)
	ve.SetModifiedAt(now)
	ve.SetProperty(ical.ComponentPropertySequence, strconv.Itoa(0))
	ve.SetSummary(summary)
	if d.Description != "" {
		ve.SetDescription(d.Description)
	}
	if d.Location != "" {
		ve.SetLocation(d.Location)
	}

	v, params := timeValue(start, d.AllDay, tz)
	ve.SetProperty(ical.ComponentPropertyDtStart, v, params...)
	v, params = timeValue(end, d.AllDay, tz)
	ve.SetProperty(ical.ComponentPropertyDtEnd, v, params...)

	if rule != "" {
		ve.SetProperty(ical.ComponentPropertyRrule, rule)
	}
	if dates := normalizeDates(d.RDates); len(dates) > 0 {
		v, params := dateListValue(dates, d.AllDay, tz)
		ve.AddProperty(ical.ComponentPropertyRdate, v, params...)
	}
	if dates := normalizeDates(d.ExDates); len(dates) > 0 {
		v, params := dateListValue(dates, d.AllDay, tz)
		ve.AddProperty(ical.ComponentPropertyExdate, v, params...)
	}

	return cal.Serialize(ical.WithNewLineWindows), nil
}

func checkTimezone(tz string, allDay bool) (string, error) {
	tz = strings.TrimSpace(tz)
	if allDay || tz == "" || tz == "UTC" {
		return "", nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", &PatchError{Field: "timezone", Reason: "unknown zone " + strconv.Quote(tz), Err: err}
	}
	return tz, nil
}

// normalizeSpan fills a missing end and rejects an end before the start.
// All-day bounds become dates taken from each value's own wall clock, so
// local midnight east of UTC keeps its day. An all-day end equal to its
// start covers that one day.
func normalizeSpan(start, end time.Time, allDay, defaultEnd bool) (time.Time, time.Time, error) {
	if allDay {
		start, end = dateOf(start), dateOf(end)
		if defaultEnd || end.Equal(start) {
			end = start.AddDate(0, 0, 1)
		}
	} else {
		start, end = start.UTC(), end.UTC()
		if defaultEnd {
			end = start
		}
	}
	if end.Before(start) {
		return start, end, &PatchError{Field: "end", Reason: "end is before start"}
	}
	return start, end, nil
}

// dateOf returns the calendar date t shows in its own location, as UTC
// midnight.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// checkRRule validates a rule body ("FREQ=...") and returns it without an
// "RRULE:" prefix.
func checkRRule(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "RRULE:")
	if s == "" {
		return "", nil
	}
	if strings.ContainsAny(s, "\r\n") {
		return "", &PatchError{Field: "rrule", Reason: "must be a single line"}
	}
	if _, err := rrule.StrToROption(s); err != nil {
		return "", &PatchError{Field: "rrule", Reason: "malformed recurrence rule", Err: err}
	}
	return s, nil
}

// timeValue renders a DTSTART/DTEND value with its parameters: VALUE=DATE for
// all-day events, TZID for zoned wall-clock times, UTC otherwise.
func timeValue(t time.Time, allDay bool, tz string) (string, []ical.PropertyParameter) {
	switch {
	case allDay:
		return formatDate(t), []ical.PropertyParameter{ical.WithValue(string(ical.ValueDataTypeDate))}
	case tz != "":
		return formatLocal(t, locationFor(tz)), []ical.PropertyParameter{ical.WithTZID(tz)}
	default:
		return formatUTC(t), nil
	}
}

func dateListValue(ts []time.Time, allDay bool, tz string) (string, []ical.PropertyParameter) {
	parts := make([]string, 0, len(ts))
	var params []ical.PropertyParameter
	for _, t := range ts {
		var v string
		v, params = timeValue(t, allDay, tz)
		parts = append(parts, v)
	}
	return strings.Join(parts, ","), params
}
