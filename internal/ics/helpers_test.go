package ics

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"calmirror/internal/model"
)

// crlf joins lines into CRLF-terminated iCalendar text.
func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

// freezeNow pins the clock used for CREATED / LAST-MODIFIED / DTSTAMP.
func freezeNow(t *testing.T, now time.Time) {
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
}

// eventFromDraft builds, parses and wraps a draft the way the sync engine
// stores it.
func eventFromDraft(t *testing.T, calendarID, uid string, d Draft) model.Event {
	raw, err := Build(d, uid)
	require.NoError(t, err)
	rec, err := Parse(raw)
	require.NoError(t, err)

	ev := model.Event{CalendarID: calendarID, Raw: raw, SyncStatus: model.StatusSynced}
	rec.ApplyTo(&ev)
	return ev
}

func ptr[T any](v T) *T { return &v }
