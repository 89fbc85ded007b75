package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pingup/flowline/internal/persistence"
	"github.com/pingup/flowline/pkg/api"
)

// fakeExecutor records advance and start calls. Fires run on their own
// goroutines, so access is guarded. blockOn, when set, makes advance for
// that run id hang until release is closed.
type fakeExecutor struct {
	mu         sync.Mutex
	advanced   []string
	advanceErr error
	started    []api.Event

	blockOn string
	release chan struct{}
}

func (f *fakeExecutor) advance(_ context.Context, runID string) error {
	f.mu.Lock()
	f.advanced = append(f.advanced, runID)
	err := f.advanceErr
	block := f.blockOn == runID
	f.mu.Unlock()

	if block {
		<-f.release
	}
	return err
}

func (f *fakeExecutor) start(_ context.Context, _ api.WorkflowDefinition, event api.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, event)
	return "r-new", nil
}

func (f *fakeExecutor) setAdvanceErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceErr = err
}

func (f *fakeExecutor) advancedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.advanced))
	copy(out, f.advanced)
	return out
}

func (f *fakeExecutor) startedEvents() []api.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.Event, len(f.started))
	copy(out, f.started)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeExecutor, *clock.Mock, persistence.RunStore) {
	t.Helper()

	store := persistence.NewInMemoryStore()
	exec := &fakeExecutor{release: make(chan struct{})}
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	s := New(store, exec.advance, exec.start, mock, zap.NewNop())
	return s, exec, mock, store
}

const (
	waitTimeout = 2 * time.Second
	waitStep    = 5 * time.Millisecond
)

func TestScheduler_WakeFiresWhenDue(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	s.Schedule(mock.Now().Add(time.Hour), "r-1")

	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, exec.advancedIDs(), "wake fired before its time")

	mock.Add(time.Hour)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		ids := exec.advancedIDs()
		return len(ids) == 1 && ids[0] == "r-1"
	}, waitTimeout, waitStep)

	// The entry is consumed; later ticks must not fire it again.
	mock.Add(time.Hour)
	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"r-1"}, exec.advancedIDs())
}

func TestScheduler_WakesAllDueEntries(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	s.Schedule(mock.Now().Add(2*time.Hour), "r-later")
	s.Schedule(mock.Now().Add(time.Hour), "r-sooner")

	mock.Add(3 * time.Hour)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.advancedIDs()) == 2
	}, waitTimeout, waitStep)
	require.ElementsMatch(t, []string{"r-sooner", "r-later"}, exec.advancedIDs())
}

// A run whose action hangs must not hold up other due wake-ups or cron
// fires; each fire gets its own goroutine.
func TestScheduler_BlockingRunDoesNotStallOthers(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)
	exec.blockOn = "r-blocker"
	defer close(exec.release)

	def := api.WorkflowDefinition{
		ID:      "wf-hourly",
		Trigger: api.CronTrigger{Expression: "0 * * * *"},
	}
	require.NoError(t, s.AddCron(def, def.Trigger.(api.CronTrigger)))

	now := mock.Now()
	s.Schedule(now.Add(time.Hour), "r-blocker")
	s.Schedule(now.Add(time.Hour), "r-victim")

	mock.Add(time.Hour)
	s.tick(context.Background())

	// Both wakes and the cron fire despite r-blocker never returning.
	require.Eventually(t, func() bool {
		return len(exec.advancedIDs()) == 2 && len(exec.startedEvents()) == 1
	}, waitTimeout, waitStep)
	require.ElementsMatch(t, []string{"r-blocker", "r-victim"}, exec.advancedIDs())

	// The tick loop itself is still responsive.
	s.Schedule(mock.Now(), "r-after")
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.advancedIDs()) == 3
	}, waitTimeout, waitStep)
}

func TestScheduler_FailedWakeRetriesNextTick(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	exec.setAdvanceErr(errors.New("store unavailable"))
	s.Schedule(mock.Now(), "r-1")

	mock.Add(time.Second)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.advancedIDs()) == 1
	}, waitTimeout, waitStep)

	// The wake was re-queued; once the store recovers it fires again.
	exec.setAdvanceErr(nil)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		s.tick(context.Background())
		return len(exec.advancedIDs()) >= 2
	}, waitTimeout, waitStep)
}

func TestScheduler_RestoreRebuildsWakes(t *testing.T) {
	s, exec, mock, store := newTestScheduler(t)

	wakeAt := mock.Now().Add(30 * time.Minute)
	require.NoError(t, store.SaveRun(&api.Run{
		ID:           "r-sleeping",
		DefinitionID: "wf",
		Status:       api.StatusSleeping,
		WakeAt:       &wakeAt,
		StepResults:  make(map[string]any),
		StartedAt:    mock.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.SaveRun(&api.Run{
		ID:           "r-done",
		DefinitionID: "wf",
		Status:       api.StatusCompleted,
		StepResults:  make(map[string]any),
		StartedAt:    mock.Now().Add(-time.Hour),
	}))

	require.NoError(t, s.Restore(context.Background()))

	mock.Add(time.Hour)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		ids := exec.advancedIDs()
		return len(ids) == 1 && ids[0] == "r-sleeping"
	}, waitTimeout, waitStep)
}

func TestScheduler_CronFiresAtScheduleInTimezone(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	def := api.WorkflowDefinition{
		ID:      "wf-digest",
		Trigger: api.CronTrigger{Expression: "0 9 * * *", Timezone: "America/New_York"},
	}
	require.NoError(t, s.AddCron(def, def.Trigger.(api.CronTrigger)))

	// 12:00 UTC on 2025-06-01 is 08:00 in New York (EDT); the 09:00 local
	// fire is 13:00 UTC.
	mock.Add(30 * time.Minute)
	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, exec.startedEvents(), "cron fired before its local schedule")

	mock.Add(30 * time.Minute)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.startedEvents()) == 1
	}, waitTimeout, waitStep)
	started := exec.startedEvents()
	require.Equal(t, TickEventName, started[0].Name)
	require.Equal(t, "0 9 * * *", started[0].Data["schedule"])

	// The next fire is the following local 09:00, not a repeat this tick.
	mock.Add(time.Minute)
	s.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Len(t, exec.startedEvents(), 1)

	mock.Add(24 * time.Hour)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.startedEvents()) == 2
	}, waitTimeout, waitStep)
}

func TestScheduler_CronNoBackfill(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	def := api.WorkflowDefinition{
		ID:      "wf-hourly",
		Trigger: api.CronTrigger{Expression: "0 * * * *"},
	}
	require.NoError(t, s.AddCron(def, def.Trigger.(api.CronTrigger)))

	// Three schedule instants elapse in one gap; only one run starts.
	mock.Add(3 * time.Hour)
	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(exec.startedEvents()) == 1
	}, waitTimeout, waitStep)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, exec.startedEvents(), 1)
}

func TestScheduler_AddCronRejectsBadInput(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	def := api.WorkflowDefinition{ID: "wf-bad"}
	require.Error(t, s.AddCron(def, api.CronTrigger{Expression: "not a cron"}))
	require.Error(t, s.AddCron(def, api.CronTrigger{Expression: "0 9 * * *", Timezone: "Mars/Olympus"}))
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron(api.CronTrigger{Expression: "0 9 * * *", Timezone: "America/New_York"}))
	require.NoError(t, ValidateCron(api.CronTrigger{Expression: "@daily"}))
	require.Error(t, ValidateCron(api.CronTrigger{Expression: "61 9 * * *"}))
	require.Error(t, ValidateCron(api.CronTrigger{Expression: "0 9 * * *", Timezone: "Nowhere/Nothing"}))
}

func TestScheduler_StartStop(t *testing.T) {
	s, exec, mock, _ := newTestScheduler(t)

	s.Schedule(mock.Now().Add(time.Second), "r-1")
	require.NoError(t, s.Start(context.Background()))

	// Drive the mock ticker in small increments; the loop runs on its own
	// goroutine, so poll for the effect.
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		return len(exec.advancedIDs()) == 1
	}, waitTimeout, waitStep)
	require.Equal(t, []string{"r-1"}, exec.advancedIDs())

	require.NoError(t, s.Stop(context.Background()))
}
