package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/model"
)

var utc = time.UTC

type storeUnderTest interface {
	Store
	SecretStore
}

// forEachStore runs the same behaviour against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s storeUnderTest)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		fn(t, db)
	})
}

func testCalendar(id string) model.Calendar {
	return model.Calendar{
		ID:        id,
		Handle:    "/cal/" + id + "/",
		RemoteURL: "https://dav.example.com/cal/" + id + "/",
		Name:      "Calendar " + id,
		Color:     "#3788d8",
		Writable:  true,
	}
}

func testEvent(calID, uid string, start time.Time, dur time.Duration) model.Event {
	return model.Event{
		UID:        uid,
		CalendarID: calID,
		Summary:    "Event " + uid,
		Start:      start,
		End:        start.Add(dur),
		Raw:        "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
		SyncStatus: model.StatusSynced,
	}
}

func TestCalendarLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()

		// Given
		cal := testCalendar("a")
		cal.LastSynced = time.Date(2024, 1, 1, 12, 0, 0, 0, utc)
		require.NoError(t, s.UpsertCalendar(ctx, cal))

		// When
		cal.Name = "Renamed"
		cal.ChangeToken = "ctag-2"
		require.NoError(t, s.UpsertCalendar(ctx, cal))
		got, err := s.GetCalendar(ctx, "a")

		// Then
		require.NoError(t, err)
		assert.Equal(t, cal, got)

		all, err := s.ListCalendars(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = s.GetCalendar(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteCalendarRefusesWhileEventsRemain(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()

		// Given
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("a")))
		ev := testEvent("a", "e1", time.Date(2024, 1, 1, 9, 0, 0, 0, utc), time.Hour)
		require.NoError(t, s.CreateEvent(ctx, ev))

		// When
		err := s.DeleteCalendar(ctx, "a")

		// Then
		assert.ErrorIs(t, err, ErrCalendarNotEmpty)

		require.NoError(t, s.DeleteEvent(ctx, "a", "e1"))
		assert.NoError(t, s.DeleteCalendar(ctx, "a"))
		assert.ErrorIs(t, s.DeleteCalendar(ctx, "a"), ErrNotFound)
	})
}

func TestEventCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("a")))

		// Given
		ev := testEvent("a", "e1", time.Date(2024, 3, 1, 9, 0, 0, 0, utc), time.Hour)
		ev.RRule = "FREQ=DAILY;COUNT=3"
		ev.ExDates = []time.Time{time.Date(2024, 3, 2, 9, 0, 0, 0, utc)}
		ev.Timezone = "Europe/Berlin"
		ev.Revision = 3
		ev.Created = time.Date(2024, 2, 1, 0, 0, 0, 0, utc)

		// When
		require.NoError(t, s.CreateEvent(ctx, ev))
		got, err := s.GetEvent(ctx, "a", "e1")

		// Then
		require.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.ErrorIs(t, s.CreateEvent(ctx, ev), ErrExists)

		// When
		ev.Summary = "Changed"
		ev.SyncStatus = model.StatusPendingUpdate
		ev.ExDates = nil
		require.NoError(t, s.UpdateEvent(ctx, ev))
		got, err = s.GetEvent(ctx, "a", "e1")

		// Then
		require.NoError(t, err)
		assert.Equal(t, "Changed", got.Summary)
		assert.Equal(t, model.StatusPendingUpdate, got.SyncStatus)
		assert.Empty(t, got.ExDates)

		missing := testEvent("a", "nope", ev.Start, time.Hour)
		assert.ErrorIs(t, s.UpdateEvent(ctx, missing), ErrNotFound)
		assert.ErrorIs(t, s.DeleteEvent(ctx, "a", "nope"), ErrNotFound)
		_, err = s.GetEvent(ctx, "b", "e1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSameUIDInTwoCalendars(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()

		// Given
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("a")))
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("b")))
		start := time.Date(2024, 1, 1, 9, 0, 0, 0, utc)

		// When
		require.NoError(t, s.CreateEvent(ctx, testEvent("a", "shared", start, time.Hour)))
		require.NoError(t, s.CreateEvent(ctx, testEvent("b", "shared", start, time.Hour)))

		// Then
		inA, err := s.ListEvents(ctx, "a")
		require.NoError(t, err)
		inB, err := s.ListEvents(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, inA, 1)
		assert.Len(t, inB, 1)
	})
}

func TestCreateEventRequiresCalendar(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		err := s.CreateEvent(context.Background(), testEvent("ghost", "e1", time.Date(2024, 1, 1, 0, 0, 0, 0, utc), time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueryEventsWindow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("a")))
		require.NoError(t, s.UpsertCalendar(ctx, testCalendar("b")))

		day := func(d, h int) time.Time { return time.Date(2024, 5, d, h, 0, 0, 0, utc) }

		// Given
		events := []model.Event{
			testEvent("a", "before", day(1, 9), time.Hour),
			testEvent("a", "straddles", day(9, 23), 2*time.Hour),
			testEvent("a", "inside", day(12, 9), time.Hour),
			testEvent("a", "after", day(20, 9), time.Hour),
			testEvent("a", "instant-in", day(11, 0), 0),
			testEvent("a", "ends-at-from", day(9, 22), 2*time.Hour),
			testEvent("b", "other-cal", day(12, 10), time.Hour),
		}
		recurring := testEvent("a", "weekly", day(1, 8), time.Hour)
		recurring.RRule = "FREQ=WEEKLY"
		events = append(events, recurring)
		for _, ev := range events {
			require.NoError(t, s.CreateEvent(ctx, ev))
		}

		// When
		got, err := s.QueryEvents(ctx, EventQuery{
			CalendarIDs: []string{"a"},
			From:        day(10, 0),
			To:          day(15, 0),
		})

		// Then
		require.NoError(t, err)
		uids := make([]string, 0, len(got))
		for _, ev := range got {
			uids = append(uids, ev.UID)
		}
		assert.Equal(t, []string{"weekly", "straddles", "instant-in", "inside"}, uids)

		all, err := s.QueryEvents(ctx, EventQuery{})
		require.NoError(t, err)
		assert.Len(t, all, len(events))
	})
}

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s storeUnderTest) {
		ctx := context.Background()

		// Given
		_, err := s.GetSecret(ctx, "caldav")
		assert.ErrorIs(t, err, ErrNotFound)

		// When
		require.NoError(t, s.PutSecret(ctx, "caldav", []byte{1, 2, 3}))
		require.NoError(t, s.PutSecret(ctx, "caldav", []byte{4, 5}))
		got, err := s.GetSecret(ctx, "caldav")

		// Then
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 5}, got)

		require.NoError(t, s.DeleteSecret(ctx, "caldav"))
		_, err = s.GetSecret(ctx, "caldav")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.DeleteSecret(ctx, "caldav"))
	})
}

func TestOpenFileIsReusable(t *testing.T) {
	// Given
	path := t.TempDir() + "/nested/calmirror.db"
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.UpsertCalendar(context.Background(), testCalendar("a")))
	require.NoError(t, db.Close())

	// When
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	// Then
	cal, err := db.GetCalendar(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Calendar a", cal.Name)
}
