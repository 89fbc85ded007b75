package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pingup/flowline/internal/persistence"
	"github.com/pingup/flowline/pkg/api"
)

// WakeFunc registers a wake-up with the scheduler for a sleeping run.
// Function-valued to keep the executor free of a scheduler dependency.
type WakeFunc func(wakeAt time.Time, runID string)

// executor drives runs to completion, one step at a time, with crash-safe
// checkpointing after every step.
type executor struct {
	runs     persistence.RunStore
	resolve  func(definitionID string) (api.WorkflowDefinition, bool)
	wake     WakeFunc
	observer api.Observer
	clock    clock.Clock
	logger   *zap.Logger
	retry    api.RetryPolicy

	// locks serializes Advance per run id. Concurrent runs never share a
	// lock; there is no global execution lock.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newExecutor(
	runs persistence.RunStore,
	resolve func(string) (api.WorkflowDefinition, bool),
	wake WakeFunc,
	observer api.Observer,
	clk clock.Clock,
	logger *zap.Logger,
	defaultRetry api.RetryPolicy,
) *executor {
	return &executor{
		runs:     runs,
		resolve:  resolve,
		wake:     wake,
		observer: observer,
		clock:    clk,
		logger:   logger,
		retry:    defaultRetry,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *executor) lockFor(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lk, ok := e.locks[runID]
	if !ok {
		lk = &sync.Mutex{}
		e.locks[runID] = lk
	}
	return lk
}

// dropLock forgets a run's mutex so the map does not grow for the
// lifetime of the process. Called once the run is terminal; a later
// Advance on a stale id allocates a fresh mutex, observes the terminal
// status, and returns without touching the run.
func (e *executor) dropLock(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, runID)
}

// Start creates a run for the given definition and triggering event,
// persists it, and immediately attempts to advance it. The run id is
// returned even when advancing ends in a failed run.
func (e *executor) Start(ctx context.Context, def api.WorkflowDefinition, event api.Event) (string, error) {
	run := &api.Run{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Event:        event,
		Status:       api.StatusRunning,
		CurrentStep:  0,
		StepResults:  make(map[string]any),
		StartedAt:    e.clock.Now(),
	}

	if err := e.runs.SaveRun(run); err != nil {
		return "", fmt.Errorf("save run for workflow %s: %w", def.ID, err)
	}

	e.observer.OnRunStart(ctx, run)

	return run.ID, e.Advance(ctx, run.ID)
}

// Advance loads the run and executes steps from its current index.
//
// Redundant invocations are safe: terminal runs are a no-op, and a
// sleeping run whose wake time has not arrived yet is left untouched.
// Only the step at CurrentStep is ever invoked; earlier steps are
// represented by their checkpointed results.
func (e *executor) Advance(ctx context.Context, runID string) error {
	lk := e.lockFor(runID)
	lk.Lock()
	defer lk.Unlock()

	run, err := e.runs.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.Status.Terminal() {
		e.dropLock(runID)
		return nil
	}

	def, ok := e.resolve(run.DefinitionID)
	if !ok {
		err := e.failRun(ctx, run, fmt.Errorf("definition %s not registered", run.DefinitionID))
		e.dropLock(runID)
		return err
	}

	if run.Status == api.StatusSleeping {
		if run.WakeAt == nil || run.WakeAt.After(e.clock.Now()) {
			// Premature or duplicate wake-up.
			return nil
		}
		// The sleep the run suspended on has elapsed; checkpoint it like
		// any other completed step, recording the wake time as its result.
		step := def.Steps[run.CurrentStep]
		run.StepResults[step.StepName()] = *run.WakeAt
		run.CurrentStep++
		run.Status = api.StatusRunning
		run.WakeAt = nil
		if err := e.runs.UpdateRun(run); err != nil {
			return fmt.Errorf("checkpoint run %s: %w", run.ID, err)
		}
	}

	err = e.advanceSteps(ctx, def, run)
	if run.Status.Terminal() {
		e.dropLock(runID)
	}
	return err
}

// RecoverInterrupted re-advances runs persisted in StatusRunning, which
// only happens when a previous process crashed mid-step. The interrupted
// step executes again (at-least-once); completed steps are replayed from
// their checkpoints. Intended to be called on startup before new work is
// accepted.
func (e *executor) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := e.runs.ListRuns(persistence.RunFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	for _, run := range runs {
		if err := e.Advance(ctx, run.ID); err != nil {
			e.logger.Error("recover run",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}
	return len(runs), nil
}

func (e *executor) advanceSteps(ctx context.Context, def api.WorkflowDefinition, run *api.Run) error {
	for run.CurrentStep < len(def.Steps) {
		idx := run.CurrentStep
		sc := api.NewStepContext(run.Event, e.clock.Now, maps.Clone(run.StepResults))

		switch step := def.Steps[idx].(type) {
		case api.RunStep:
			e.observer.OnStepStart(ctx, run, step.Name, idx)
			started := e.clock.Now()

			result, err := e.runStep(ctx, def, step, sc)

			e.observer.OnStepCompleted(ctx, run, step.Name, idx, err, e.clock.Now().Sub(started))

			if err != nil {
				return e.failRun(ctx, run, &api.ActionError{
					DefinitionID: def.ID,
					Step:         step.Name,
					Err:          err,
				})
			}

			run.StepResults[step.Name] = result
			run.CurrentStep++
			if err := e.runs.UpdateRun(run); err != nil {
				return fmt.Errorf("checkpoint run %s: %w", run.ID, err)
			}

		case api.SleepUntilStep:
			wakeAt := step.Until(sc)
			now := e.clock.Now()

			if !wakeAt.After(now) {
				// Already elapsed; treat as completed immediately.
				run.StepResults[step.Name] = wakeAt
				run.CurrentStep++
				if err := e.runs.UpdateRun(run); err != nil {
					return fmt.Errorf("checkpoint run %s: %w", run.ID, err)
				}
				continue
			}

			run.Status = api.StatusSleeping
			run.WakeAt = &wakeAt
			if err := e.runs.UpdateRun(run); err != nil {
				return fmt.Errorf("suspend run %s: %w", run.ID, err)
			}

			e.observer.OnRunSleeping(ctx, run, wakeAt)
			e.wake(wakeAt, run.ID)
			return nil

		default:
			return e.failRun(ctx, run, fmt.Errorf("unsupported step type %T at index %d", def.Steps[idx], idx))
		}
	}

	now := e.clock.Now()
	run.Status = api.StatusCompleted
	run.FinishedAt = &now
	if err := e.runs.UpdateRun(run); err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}

	e.observer.OnRunCompleted(ctx, run)
	return nil
}

// runStep invokes a RunStep action under its retry policy. An action that
// reports api.ErrMissingReference succeeds as a no-op: the record it was
// meant to act on is already gone, so the desired end state holds.
func (e *executor) runStep(ctx context.Context, def api.WorkflowDefinition, step api.RunStep, sc *api.StepContext) (any, error) {
	pol := e.retry
	if step.Retry != nil {
		pol = *step.Retry
	}
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	if pol.InitialBackoff <= 0 {
		pol.InitialBackoff = api.DefaultRetryPolicy.InitialBackoff
	}

	backoff := retry.NewExponential(pol.InitialBackoff)
	if pol.MaxBackoff > 0 {
		backoff = retry.WithCappedDuration(pol.MaxBackoff, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(pol.MaxAttempts-1), backoff)

	var result any
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := step.Action(ctx, sc)
		if err != nil {
			if errors.Is(err, api.ErrMissingReference) {
				e.logger.Info("step target already gone",
					zap.String("workflow", def.ID),
					zap.String("step", step.Name),
					zap.Error(err),
				)
				result = nil
				return nil
			}
			e.logger.Warn("step attempt failed",
				zap.String("workflow", def.ID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// failRun marks the run failed and stops it permanently. Failures inside
// one run never affect other runs.
func (e *executor) failRun(ctx context.Context, run *api.Run, cause error) error {
	now := e.clock.Now()
	run.Status = api.StatusFailed
	run.Err = cause
	run.FinishedAt = &now
	run.WakeAt = nil

	if err := e.runs.UpdateRun(run); err != nil {
		e.logger.Error("persist failed run",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}

	e.observer.OnRunFailed(ctx, run, cause)
	return cause
}
