package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/caldav"
	"calmirror/internal/credentials"
	"calmirror/internal/ics"
	"calmirror/internal/store"
)

func TestConnectStoresCredentialsAndAttaches(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	env := newTestEnv(t, ft)
	env.engine.Session().Detach()

	// When
	cals, err := env.engine.Connect(ctx, "user@example.com", "app-password")

	// Then
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, calID(work), cals[0].ID)
	assert.True(t, env.engine.Session().Connected())
	assert.Equal(t, "user@example.com", env.engine.Session().Username())

	stored, err := env.creds.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "app-password", stored.Secret)
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	ft.verifyErr = &caldav.AuthError{Status: 401}
	env := newTestEnv(t, ft)
	env.engine.Session().Detach()

	// When
	_, err := env.engine.Connect(ctx, "user@example.com", "wrong")

	// Then
	assert.True(t, caldav.IsAuth(err))
	assert.False(t, env.engine.Session().Connected())
	_, err = env.creds.Get(ctx)
	assert.ErrorIs(t, err, credentials.ErrNoCredentials)
}

func TestAutoConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()

	// Given credentials saved by an earlier run
	ft := newFakeTransport(work)
	env := newTestEnv(t, ft)
	require.NoError(t, env.creds.Save(ctx, credentials.Credentials{Username: "me", Secret: "s"}))

	restarted := NewEngine(env.store, env.creds, NewSession(), func(string, string) (caldav.Transport, error) {
		return ft, nil
	}, Options{})

	// When
	ok, err := restarted.AutoConnect(ctx)

	// Then
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "me", restarted.Session().Username())

	// When
	require.NoError(t, restarted.Disconnect(ctx))
	ok, err = restarted.AutoConnect(ctx)

	// Then
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, restarted.Session().Connected())
}

func TestRemoveCalendarCascades(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	ft.put(work, "evt-1", remoteText(t, "evt-1", "One", monday))
	ft.put(work, "evt-2", remoteText(t, "evt-2", "Two", monday))
	env := connectedEnv(t, ft)

	// When
	removed, err := env.engine.RemoveCalendar(ctx, calID(work))

	// Then
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = env.store.GetCalendar(ctx, calID(work))
	assert.ErrorIs(t, err, store.ErrNotFound)
	events, err := env.store.ListEvents(ctx, calID(work))
	require.NoError(t, err)
	assert.Empty(t, events)
	_, _, deletes, _ := ft.counts()
	assert.Equal(t, 0, deletes)

	_, err = env.engine.RemoveCalendar(ctx, calID(work))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListInstancesExpandsAndFilters(t *testing.T) {
	ctx := context.Background()

	// Given a weekly series, a one-off event and a locally deleted event
	ft := newFakeTransport(work)
	weekly, err := ics.Build(ics.Draft{
		Summary: "Standup",
		Start:   monday,
		End:     monday.Add(30 * time.Minute),
		RRule:   "FREQ=WEEKLY;COUNT=5",
	}, "weekly")
	require.NoError(t, err)
	ft.put(work, "weekly", weekly)
	ft.put(work, "once", remoteText(t, "once", "Review", monday.Add(26*time.Hour)))
	ft.put(work, "doomed", remoteText(t, "doomed", "Cancelled", monday.Add(50*time.Hour)))
	env := connectedEnv(t, ft)

	ft.pushErr = assert.AnError
	_, err = env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationDelete, UID: "doomed"})
	require.NoError(t, err)

	// When
	res, err := env.engine.ListInstances(ctx, nil, monday, monday.AddDate(0, 0, 21))

	// Then
	require.NoError(t, err)
	starts := make([]time.Time, 0, len(res.Instances))
	for _, in := range res.Instances {
		starts = append(starts, in.Start)
	}
	assert.Equal(t, []time.Time{
		monday,
		monday.Add(26 * time.Hour),
		monday.AddDate(0, 0, 7),
		monday.AddDate(0, 0, 14),
	}, starts)
	assert.True(t, res.Instances[0].Recurring)
	assert.Equal(t, "weekly", res.Instances[0].MasterUID)
	assert.False(t, res.Instances[1].Recurring)

	_, err = env.engine.ListInstances(ctx, nil, monday, monday)
	assert.Error(t, err)
}

func TestFutureAwaitHonoursCancellation(t *testing.T) {
	// Given
	release := make(chan struct{})
	defer close(release)
	f := runRemote(context.Background(), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When
	_, err := f.Await(ctx)

	// Then
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureAwaitReturnsValue(t *testing.T) {
	v, err := remote(context.Background(), func(context.Context) (string, error) {
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
