// Package engine implements the workflow engine core: the trigger
// registry, the step executor, and the facade wiring them to the event
// bus and the scheduler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pingup/flowline/internal/bus"
	"github.com/pingup/flowline/internal/persistence"
	"github.com/pingup/flowline/internal/scheduler"
	"github.com/pingup/flowline/pkg/api"
)

// Config describes how to construct an engine. Only Runs is required;
// everything else has a sensible default. External callers use the helper
// constructors in the root flowline package.
type Config struct {
	Runs          persistence.RunStore
	Observer      api.Observer
	Logger        *zap.Logger
	Clock         clock.Clock
	Workers       int
	QueueCapacity int
	TickInterval  time.Duration
	DefaultRetry  api.RetryPolicy
}

type engineImpl struct {
	registry   *registry
	executor   *executor
	scheduler  *scheduler.Scheduler
	queue      bus.Queue
	dispatcher *bus.Dispatcher
	runs       persistence.RunStore
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	started bool
}

// New creates an engine from the given configuration.
func New(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	defaultRetry := cfg.DefaultRetry
	if defaultRetry.MaxAttempts == 0 {
		defaultRetry = api.DefaultRetryPolicy
	}

	e := &engineImpl{
		registry: newRegistry(),
		queue:    bus.NewInMemoryQueue(cfg.QueueCapacity),
		runs:     cfg.Runs,
		clock:    clk,
		logger:   logger,
	}

	// The executor and the scheduler call each other (wake registration
	// one way, advance on wake the other); closures over the engine break
	// the construction cycle.
	e.executor = newExecutor(
		cfg.Runs,
		e.registry.Get,
		func(wakeAt time.Time, runID string) { e.scheduler.Schedule(wakeAt, runID) },
		obs,
		clk,
		logger,
		defaultRetry,
	)

	var schedOpts []scheduler.Option
	if cfg.TickInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithTickInterval(cfg.TickInterval))
	}
	e.scheduler = scheduler.New(
		cfg.Runs,
		func(ctx context.Context, runID string) error { return e.executor.Advance(ctx, runID) },
		func(ctx context.Context, def api.WorkflowDefinition, event api.Event) (string, error) {
			return e.executor.Start(ctx, def, event)
		},
		clk,
		logger,
		schedOpts...,
	)

	e.dispatcher = bus.NewDispatcher(
		e.queue,
		e.registry.ByEvent,
		func(ctx context.Context, def api.WorkflowDefinition, event api.Event) (string, error) {
			return e.executor.Start(ctx, def, event)
		},
		logger,
		cfg.Workers,
	)

	return e
}

func (e *engineImpl) Register(def api.WorkflowDefinition) error {
	if ct, ok := def.Trigger.(api.CronTrigger); ok {
		if err := scheduler.ValidateCron(ct); err != nil {
			return fmt.Errorf("workflow %q: %w", def.ID, err)
		}
	}

	if err := e.registry.Register(def); err != nil {
		return err
	}

	if ct, ok := def.Trigger.(api.CronTrigger); ok {
		return e.scheduler.AddCron(def, ct)
	}
	return nil
}

func (e *engineImpl) Emit(ctx context.Context, name string, data map[string]any) error {
	event := api.Event{
		Name:       name,
		Data:       data,
		OccurredAt: e.clock.Now(),
	}
	return e.queue.Enqueue(ctx, bus.Task{Event: event})
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.runs.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return run, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	return e.runs.ListRuns(persistence.RunFilter{
		DefinitionID: opts.DefinitionID,
		Status:       opts.Status,
	})
}

func (e *engineImpl) Triggers() []api.Trigger {
	return e.registry.Triggers()
}

func (e *engineImpl) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if err := e.scheduler.Restore(ctx); err != nil {
		return err
	}

	recovered, err := e.executor.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("re-advanced interrupted runs", zap.Int("count", recovered))
	}

	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	e.started = true
	return nil
}

func (e *engineImpl) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false

	if err := e.scheduler.Stop(ctx); err != nil {
		return err
	}
	return e.dispatcher.Stop()
}
