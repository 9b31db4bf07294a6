package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/ics"
	"calmirror/internal/model"
)

// connectedEnv returns an engine that already knows the work calendar.
func connectedEnv(t *testing.T, ft *fakeTransport) testEnv {
	t.Helper()
	env := newTestEnv(t, ft)
	_, err := env.engine.Reconcile(context.Background())
	require.NoError(t, err)
	return env
}

func TestCreatePushesImmediately(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	env := connectedEnv(t, ft)

	// When
	res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
		Kind:  MutationCreate,
		Draft: ics.Draft{Summary: "Lunch", Location: "Cafe", Start: monday},
	})

	// Then
	require.NoError(t, err)
	require.NoError(t, res.PushErr)
	assert.Equal(t, "local-1", res.Event.UID)
	assert.Equal(t, model.StatusSynced, res.Event.SyncStatus)
	assert.Equal(t, work+"local-1.ics", res.Event.Href)

	stored, err := env.engine.GetEvent(ctx, calID(work), "local-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, stored.SyncStatus)
	assert.Equal(t, "Lunch", stored.Summary)
	// A draft without an end is an instant, the same default parsing applies.
	assert.Equal(t, monday, stored.End)
	assert.Contains(t, ft.itemData(work, "local-1"), "LOCATION:Cafe")
}

func TestOfflineCreateIsPushedByNextPass(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	env := connectedEnv(t, ft)
	env.engine.Session().Detach()

	res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
		Kind:  MutationCreate,
		UID:   "chosen-uid",
		Draft: ics.Draft{Summary: "Offline", Start: monday},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PushErr, ErrNotConnected)
	assert.Equal(t, model.StatusPendingCreate, res.Event.SyncStatus)

	// When
	env.engine.Session().Attach(ft, "user@example.com")
	first, err := env.engine.Reconcile(ctx)
	require.NoError(t, err)
	second, err := env.engine.Reconcile(ctx)
	require.NoError(t, err)

	// Then
	assert.Equal(t, 1, first.Pushed)
	assert.Equal(t, 0, second.Touched)
	creates, _, _, _ := ft.counts()
	assert.Equal(t, 1, creates)

	ev, err := env.engine.GetEvent(ctx, calID(work), "chosen-uid")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, ev.SyncStatus)
}

func TestUpdateIncrementsRevisionByOne(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	ft.put(work, "evt-1", remoteText(t, "evt-1", "Original", monday))
	env := connectedEnv(t, ft)

	for want := 1; want <= 3; want++ {
		// When
		res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
			Kind:  MutationUpdate,
			UID:   "evt-1",
			Patch: ics.Patch{Location: ptr("Room " + string(rune('0'+want)))},
		})

		// Then
		require.NoError(t, err)
		require.NoError(t, res.PushErr)
		assert.Equal(t, want, res.Event.Revision)
		assert.Equal(t, model.StatusSynced, res.Event.SyncStatus)
	}

	_, updates, _, _ := ft.counts()
	assert.Equal(t, 3, updates)
}

func TestUpdateKeepsStructuredFieldsDerivedFromText(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	ft.put(work, "evt-1", remoteText(t, "evt-1", "Original", monday))
	env := connectedEnv(t, ft)
	newStart := monday.Add(30 * time.Minute)

	// When
	res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
		Kind:  MutationUpdate,
		UID:   "evt-1",
		Patch: ics.Patch{Start: &newStart, RRule: ptr("FREQ=DAILY;COUNT=2")},
	})

	// Then
	require.NoError(t, err)
	rec, err := ics.Parse(res.Event.Raw)
	require.NoError(t, err)
	assert.Equal(t, rec.Start, res.Event.Start)
	assert.Equal(t, rec.End, res.Event.End)
	assert.Equal(t, "FREQ=DAILY;COUNT=2", res.Event.RRule)
	assert.Equal(t, newStart, res.Event.Start)
	assert.Equal(t, monday.Add(time.Hour), res.Event.End)
}

func TestUpdateRejectsStartPastUnchangedEnd(t *testing.T) {
	ctx := context.Background()

	// Given a one-hour event
	ft := newFakeTransport(work)
	ft.put(work, "evt-1", remoteText(t, "evt-1", "Original", monday))
	env := connectedEnv(t, ft)

	// When only the start moves beyond the end
	_, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
		Kind:  MutationUpdate,
		UID:   "evt-1",
		Patch: ics.Patch{Start: ptr(monday.Add(2 * time.Hour))},
	})

	// Then the end is not moved for the caller
	var pe *ics.PatchError
	require.True(t, errors.As(err, &pe), "want *PatchError, got %v", err)
	assert.Equal(t, "end", pe.Field)
	_, updates, _, _ := ft.counts()
	assert.Equal(t, 0, updates)
}

func TestRejectedPatchLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work)
	ft.put(work, "evt-1", remoteText(t, "evt-1", "Original", monday))
	env := connectedEnv(t, ft)
	before, err := env.engine.GetEvent(ctx, calID(work), "evt-1")
	require.NoError(t, err)

	// When
	_, err = env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{
		Kind:  MutationUpdate,
		UID:   "evt-1",
		Patch: ics.Patch{Summary: ptr("New"), RRule: ptr("FREQ=SOMETIMES")},
	})

	// Then
	var pe *ics.PatchError
	assert.True(t, errors.As(err, &pe))
	after, err := env.engine.GetEvent(ctx, calID(work), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDeleteLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("never pushed record is removed at once", func(t *testing.T) {
		ft := newFakeTransport(work)
		env := connectedEnv(t, ft)
		env.engine.Session().Detach()
		created, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationCreate, Draft: ics.Draft{Summary: "x", Start: monday}})
		require.NoError(t, err)

		res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationDelete, UID: created.Event.UID})

		require.NoError(t, err)
		assert.True(t, res.Deleted)
		_, err = env.store.GetEvent(ctx, calID(work), created.Event.UID)
		assert.Error(t, err)
		_, _, deletes, _ := ft.counts()
		assert.Equal(t, 0, deletes)
	})

	t.Run("pushed record is deleted remotely then locally", func(t *testing.T) {
		ft := newFakeTransport(work)
		ft.put(work, "evt-1", remoteText(t, "evt-1", "x", monday))
		env := connectedEnv(t, ft)

		res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationDelete, UID: "evt-1"})

		require.NoError(t, err)
		require.NoError(t, res.PushErr)
		assert.True(t, res.Deleted)
		assert.Empty(t, ft.itemData(work, "evt-1"))
		_, err = env.store.GetEvent(ctx, calID(work), "evt-1")
		assert.Error(t, err)
	})

	t.Run("failed remote delete stays pending and is retried", func(t *testing.T) {
		ft := newFakeTransport(work)
		ft.put(work, "evt-1", remoteText(t, "evt-1", "x", monday))
		env := connectedEnv(t, ft)
		ft.pushErr = errors.New("timeout")

		res, err := env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationDelete, UID: "evt-1"})
		require.NoError(t, err)
		assert.Error(t, res.PushErr)
		assert.False(t, res.Deleted)

		stored, err := env.store.GetEvent(ctx, calID(work), "evt-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPendingDelete, stored.SyncStatus)
		_, err = env.engine.GetEvent(ctx, calID(work), "evt-1")
		assert.ErrorIs(t, err, ErrNotFound)

		ft.pushErr = nil
		sum, err := env.engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Pushed)
		_, _, deletes, _ := ft.counts()
		assert.Equal(t, 2, deletes)
		_, err = env.store.GetEvent(ctx, calID(work), "evt-1")
		assert.Error(t, err)
		assert.Empty(t, ft.itemData(work, "evt-1"))
	})
}

func TestMutationGuards(t *testing.T) {
	ctx := context.Background()

	// Given
	ft := newFakeTransport(work, "/cal/holidays/")
	ft.calendars[1].Writable = false
	env := connectedEnv(t, ft)
	draft := ics.Draft{Summary: "x", Start: monday}

	// Then
	_, err := env.engine.ApplyLocalMutation(ctx, calID("/cal/holidays/"), Mutation{Kind: MutationCreate, Draft: draft})
	assert.ErrorIs(t, err, ErrReadOnlyCalendar)

	_, err = env.engine.ApplyLocalMutation(ctx, "unknown", Mutation{Kind: MutationCreate, Draft: draft})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationUpdate, UID: "missing", Patch: ics.Patch{Summary: ptr("y")}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: MutationCreate, Draft: ics.Draft{Start: monday}})
	assert.Error(t, err)

	_, err = env.engine.ApplyLocalMutation(ctx, calID(work), Mutation{Kind: "merge"})
	assert.Error(t, err)
}
