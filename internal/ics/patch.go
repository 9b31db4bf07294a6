package ics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// Patch names the fields to change. Nil fields are left untouched. An empty
// Description, Location or RRule removes the property; an empty date list
// removes every RDATE or EXDATE.
type Patch struct {
	Summary     *string
	Description *string
	Location    *string

	Start    *time.Time
	End      *time.Time
	AllDay   *bool
	Timezone *string

	RRule   *string
	RDates  *[]time.Time
	ExDates *[]time.Time
}

func (p Patch) touchesTime() bool {
	return p.Start != nil || p.End != nil || p.AllDay != nil || p.Timezone != nil
}

// ApplyPatch rewrites only the properties named by p in the master VEVENT of
// existing. Every other line keeps its exact bytes, except SEQUENCE, which is
// incremented by one, and LAST-MODIFIED, which is set to now. The result is
// re-parsed before it is returned; on any failure a *PatchError is returned
// and no text.
func ApplyPatch(existing string, p Patch) (string, error) {
	current, err := Parse(existing)
	if err != nil {
		return "", &PatchError{Reason: "existing event is not parsable", Err: err}
	}

	block, ok := locateMaster(splitContentLines(existing), detectEOL(existing))
	if !ok {
		return "", &PatchError{Reason: "no VEVENT found"}
	}

	if err := patchText(block, current, p); err != nil {
		return "", err
	}
	if err := patchTimes(block, current, p); err != nil {
		return "", err
	}
	if err := patchRecurrence(block, current, p); err != nil {
		return "", err
	}

	if err := block.set(string(ical.ComponentPropertySequence), strconv.Itoa(current.Sequence+1)); err != nil {
		return "", asPatchError("sequence", err)
	}
	if err := block.set(string(ical.ComponentPropertyLastModified), formatUTC(nowFunc())); err != nil {
		return "", asPatchError("last-modified", err)
	}

	out := block.text()
	if _, err := Parse(out); err != nil {
		return "", &PatchError{Reason: "patched event does not parse", Err: err}
	}
	return out, nil
}

func patchText(b *eventBlock, _ Record, p Patch) error {
	if p.Summary != nil {
		s := strings.TrimSpace(*p.Summary)
		if s == "" {
			return &PatchError{Field: "summary", Reason: "required"}
		}
		if err := b.set(string(ical.ComponentPropertySummary), s); err != nil {
			return asPatchError("summary", err)
		}
	}
	if err := setOrRemove(b, ical.ComponentPropertyDescription, p.Description); err != nil {
		return err
	}
	return setOrRemove(b, ical.ComponentPropertyLocation, p.Location)
}

func setOrRemove(b *eventBlock, prop ical.ComponentProperty, v *string) error {
	if v == nil {
		return nil
	}
	if *v == "" {
		b.remove(string(prop))
		return nil
	}
	if err := b.set(string(prop), *v); err != nil {
		return asPatchError(strings.ToLower(string(prop)), err)
	}
	return nil
}

// patchTimes rewrites DTSTART and DTEND as needed. When the start moves but
// the end was implied (DURATION or no end at all), DTEND is written with the
// current end so the end does not move with it.
func patchTimes(b *eventBlock, current Record, p Patch) error {
	if !p.touchesTime() {
		return nil
	}

	allDay := current.AllDay
	if p.AllDay != nil {
		allDay = *p.AllDay
	}
	tzName := current.Timezone
	if p.Timezone != nil {
		tzName = *p.Timezone
	}
	tz, err := checkTimezone(tzName, allDay)
	if err != nil {
		return err
	}

	start, end := current.Start, current.End
	if p.Start != nil {
		start = *p.Start
	}
	if p.End != nil {
		end = *p.End
	}
	start, end, err = normalizeSpan(start, end, allDay, false)
	if err != nil {
		return err
	}

	reshape := p.AllDay != nil || p.Timezone != nil
	hasEnd := b.has(string(ical.ComponentPropertyDtEnd))

	if p.Start != nil || reshape {
		v, params := timeValue(start, allDay, tz)
		if err := b.set(string(ical.ComponentPropertyDtStart), v, params...); err != nil {
			return asPatchError("start", err)
		}
	}
	if p.End != nil || reshape || (p.Start != nil && (!hasEnd || !end.Equal(current.End))) {
		v, params := timeValue(end, allDay, tz)
		if err := b.set(string(ical.ComponentPropertyDtEnd), v, params...); err != nil {
			return asPatchError("end", err)
		}
		b.remove(string(ical.ComponentPropertyDuration))
	}
	return nil
}

func patchRecurrence(b *eventBlock, current Record, p Patch) error {
	if p.RRule != nil {
		rule, err := checkRRule(*p.RRule)
		if err != nil {
			return err
		}
		if rule == "" {
			b.remove(string(ical.ComponentPropertyRrule))
		} else if err := b.set(string(ical.ComponentPropertyRrule), rule); err != nil {
			return asPatchError("rrule", err)
		}
	}

	allDay := current.AllDay
	if p.AllDay != nil {
		allDay = *p.AllDay
	}
	tzName := current.Timezone
	if p.Timezone != nil {
		tzName = *p.Timezone
	}
	tz, err := checkTimezone(tzName, allDay)
	if err != nil {
		return err
	}

	if err := setDates(b, ical.ComponentPropertyRdate, p.RDates, allDay, tz); err != nil {
		return err
	}
	return setDates(b, ical.ComponentPropertyExdate, p.ExDates, allDay, tz)
}

func setDates(b *eventBlock, prop ical.ComponentProperty, dates *[]time.Time, allDay bool, tz string) error {
	if dates == nil {
		return nil
	}
	list := normalizeDates(*dates)
	if len(list) == 0 {
		b.remove(string(prop))
		return nil
	}
	v, params := dateListValue(list, allDay, tz)
	if err := b.set(string(prop), v, params...); err != nil {
		return asPatchError(strings.ToLower(string(prop)), err)
	}
	return nil
}

func asPatchError(field string, err error) error {
	var pe *PatchError
	if errors.As(err, &pe) {
		return pe
	}
	return &PatchError{Field: field, Reason: "cannot render property", Err: err}
}
