package flowline_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pingup/flowline"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// advanceUntil drives a mock clock one scheduler tick at a time until the
// condition holds.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		mock.Add(time.Minute)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngine_EmitToCompletion(t *testing.T) {
	ctx := context.Background()

	ran := make(chan string, 2)
	def := flowline.WorkflowDefinition{
		ID:      "wf-greet",
		Trigger: flowline.EventTrigger{Event: "greeting.requested"},
		Steps: []flowline.StepSpec{
			flowline.RunStep{Name: "compose", Action: func(_ context.Context, sc *flowline.StepContext) (any, error) {
				name, _ := sc.Event.Data["name"].(string)
				ran <- "compose"
				return "hello " + name, nil
			}},
			flowline.RunStep{Name: "deliver", Action: func(_ context.Context, sc *flowline.StepContext) (any, error) {
				ran <- "deliver"
				msg, _ := sc.Result("compose")
				return msg, nil
			}},
		},
	}

	eng := flowline.NewInMemoryEngine()
	require.NoError(t, eng.Register(def))
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx)

	require.NoError(t, eng.Emit(ctx, "greeting.requested", map[string]any{"name": "ada"}))

	waitFor(t, func() bool {
		runs, err := eng.ListRuns(ctx, flowline.RunListOptions{DefinitionID: "wf-greet", Status: flowline.StatusCompleted})
		return err == nil && len(runs) == 1
	}, "run did not complete")

	runs, err := eng.ListRuns(ctx, flowline.RunListOptions{DefinitionID: "wf-greet"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "hello ada", runs[0].StepResults["deliver"])

	byID, err := eng.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Equal(t, flowline.StatusCompleted, byID.Status)

	require.Equal(t, "compose", <-ran)
	require.Equal(t, "deliver", <-ran)
}

func TestEngine_RegisterErrors(t *testing.T) {
	eng := flowline.NewInMemoryEngine()

	def := flowline.WorkflowDefinition{
		ID:      "wf-1",
		Trigger: flowline.EventTrigger{Event: "e"},
		Steps: []flowline.StepSpec{
			flowline.RunStep{Name: "s", Action: func(context.Context, *flowline.StepContext) (any, error) { return nil, nil }},
		},
	}
	require.NoError(t, eng.Register(def))
	require.ErrorIs(t, eng.Register(def), flowline.ErrDuplicateDefinition)

	bad := flowline.WorkflowDefinition{
		ID:      "wf-bad-cron",
		Trigger: flowline.CronTrigger{Expression: "not a schedule"},
		Steps:   def.Steps,
	}
	require.Error(t, eng.Register(bad))

	require.Len(t, eng.Triggers(), 1, "a rejected definition must not register its trigger")
}

func TestEngine_GetRunNotFound(t *testing.T) {
	eng := flowline.NewInMemoryEngine()
	_, err := eng.GetRun(context.Background(), "r-missing")
	require.Error(t, err)
}

// TestSQLiteEngine_RestartResumesSleepingRun is the crash-durability path:
// a run suspends on a 24h sleep, the process goes away, and a new engine
// over the same database picks the run up and finishes it without
// re-running checkpointed steps.
func TestSQLiteEngine_RestartResumesSleepingRun(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Each pool connection gets its own in-memory database; pin to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	firstRuns := 0
	secondRuns := 0
	makeDef := func() flowline.WorkflowDefinition {
		return flowline.WorkflowDefinition{
			ID:      "wf-durable",
			Trigger: flowline.EventTrigger{Event: "kickoff"},
			Steps: []flowline.StepSpec{
				flowline.RunStep{Name: "first", Action: func(context.Context, *flowline.StepContext) (any, error) {
					firstRuns++
					return "done", nil
				}},
				flowline.SleepUntilStep{Name: "wait", Until: func(sc *flowline.StepContext) time.Time {
					return sc.Now().Add(24 * time.Hour)
				}},
				flowline.RunStep{Name: "second", Action: func(context.Context, *flowline.StepContext) (any, error) {
					secondRuns++
					return "done", nil
				}},
			},
		}
	}

	mock1 := clock.NewMock()
	mock1.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	eng1, err := flowline.NewSQLiteEngine(db,
		flowline.WithClock(mock1),
		flowline.WithTickInterval(time.Minute),
	)
	require.NoError(t, err)
	require.NoError(t, eng1.Register(makeDef()))
	require.NoError(t, eng1.Start(ctx))

	require.NoError(t, eng1.Emit(ctx, "kickoff", nil))

	waitFor(t, func() bool {
		runs, err := eng1.ListRuns(ctx, flowline.RunListOptions{Status: flowline.StatusSleeping})
		return err == nil && len(runs) == 1
	}, "run did not suspend")
	require.NoError(t, eng1.Stop(ctx))
	require.Equal(t, 1, firstRuns)
	require.Equal(t, 0, secondRuns)

	// The process comes back after the wake time has passed.
	mock2 := clock.NewMock()
	mock2.Set(time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC))

	eng2, err := flowline.NewSQLiteEngine(db,
		flowline.WithClock(mock2),
		flowline.WithTickInterval(time.Minute),
	)
	require.NoError(t, err)
	require.NoError(t, eng2.Register(makeDef()))
	require.NoError(t, eng2.Start(ctx))
	defer eng2.Stop(ctx)

	advanceUntil(t, mock2, func() bool {
		runs, err := eng2.ListRuns(ctx, flowline.RunListOptions{Status: flowline.StatusCompleted})
		return err == nil && len(runs) == 1
	}, "run did not resume after restart")

	require.Equal(t, 1, firstRuns, "checkpointed step must not re-run")
	require.Equal(t, 1, secondRuns)

	runs, err := eng2.ListRuns(ctx, flowline.RunListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "done", runs[0].StepResults["first"])
	require.Equal(t, "done", runs[0].StepResults["second"])

	wake, ok := runs[0].StepResults["wait"].(time.Time)
	require.True(t, ok, "sleep step must checkpoint its wake time")
	require.True(t, wake.Equal(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)))
}
