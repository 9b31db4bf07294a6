package ics

import (
	"errors"
	"strings"
	"time"
)

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
	layoutUTC      = "20060102T150405Z"
)

// locationFor resolves a TZID. Unknown or empty identifiers resolve to UTC,
// which is also where floating times are anchored.
func locationFor(tzid string) *time.Location {
	tzid = strings.TrimPrefix(strings.TrimSpace(tzid), "/")
	if tzid == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseICSTime parses a DATE or DATE-TIME value and returns it in UTC.
// The boolean reports a date-only value.
func parseICSTime(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.UTC
	}

	switch {
	case !strings.Contains(v, "T"):
		t, err := time.ParseInLocation(layoutDate, strings.TrimSuffix(v, "Z"), time.UTC)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(layoutUTC, v)
		return t.UTC(), false, err
	default:
		t, err := time.ParseInLocation(layoutDateTime, v, loc)
		return t.UTC(), false, err
	}
}

// formatDate renders the date t shows in its own location.
func formatDate(t time.Time) string {
	return t.Format(layoutDate)
}

func formatUTC(t time.Time) string {
	return t.UTC().Format(layoutUTC)
}

// formatLocal renders t as a wall-clock DATE-TIME in loc, for use with TZID.
func formatLocal(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(layoutDateTime)
}
