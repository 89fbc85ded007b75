package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingup/flowline/pkg/api"
)

func newTestRun(id string) *api.Run {
	return &api.Run{
		ID:           id,
		DefinitionID: "wf-test",
		Event: api.Event{
			Name:       "thing.happened",
			Data:       map[string]any{"key": "value"},
			OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Status:      api.StatusRunning,
		CurrentStep: 0,
		StepResults: make(map[string]any),
		StartedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInMemoryStore_SaveGetUpdate(t *testing.T) {
	store := NewInMemoryStore()

	run := newTestRun("r-1")
	require.NoError(t, store.SaveRun(run))

	got, err := store.GetRun("r-1")
	require.NoError(t, err)
	require.Equal(t, "wf-test", got.DefinitionID)
	require.Equal(t, api.StatusRunning, got.Status)

	run.CurrentStep = 1
	run.StepResults["first"] = "done"
	require.NoError(t, store.UpdateRun(run))

	got, err = store.GetRun("r-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentStep)
	require.Equal(t, "done", got.StepResults["first"])
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.SaveRun(newTestRun("r-1")))

	got, err := store.GetRun("r-1")
	require.NoError(t, err)

	// Mutating the returned run must not leak into the store.
	got.CurrentStep = 99
	got.StepResults["rogue"] = true

	again, err := store.GetRun("r-1")
	require.NoError(t, err)
	require.Equal(t, 0, again.CurrentStep)
	require.NotContains(t, again.StepResults, "rogue")
}

func TestInMemoryStore_NotFound(t *testing.T) {
	store := NewInMemoryStore()

	_, err := store.GetRun("missing")
	require.ErrorIs(t, err, ErrRunNotFound)

	err = store.UpdateRun(newTestRun("missing"))
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestInMemoryStore_ListSleeping(t *testing.T) {
	store := NewInMemoryStore()

	awake := newTestRun("r-awake")
	require.NoError(t, store.SaveRun(awake))

	asleep := newTestRun("r-asleep")
	wakeAt := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	asleep.Status = api.StatusSleeping
	asleep.WakeAt = &wakeAt
	require.NoError(t, store.SaveRun(asleep))

	sleeping, err := store.ListSleeping()
	require.NoError(t, err)
	require.Len(t, sleeping, 1)
	require.Equal(t, "r-asleep", sleeping[0].ID)
	require.NotNil(t, sleeping[0].WakeAt)
	require.True(t, sleeping[0].WakeAt.Equal(wakeAt))
}

func TestInMemoryStore_PurgeTerminal(t *testing.T) {
	store := NewInMemoryStore()

	old := newTestRun("r-old")
	oldFinish := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	old.Status = api.StatusCompleted
	old.FinishedAt = &oldFinish
	require.NoError(t, store.SaveRun(old))

	fresh := newTestRun("r-fresh")
	freshFinish := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	fresh.Status = api.StatusFailed
	fresh.FinishedAt = &freshFinish
	require.NoError(t, store.SaveRun(fresh))

	active := newTestRun("r-active")
	require.NoError(t, store.SaveRun(active))

	purged, err := store.PurgeTerminal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = store.GetRun("r-old")
	require.ErrorIs(t, err, ErrRunNotFound)

	_, err = store.GetRun("r-fresh")
	require.NoError(t, err)
	_, err = store.GetRun("r-active")
	require.NoError(t, err)
}
