package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called once when a run is created, before its first
	// step executes.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnRunSleeping is called when a run suspends at a SleepUntilStep.
	OnRunSleeping(ctx context.Context, run *Run, wakeAt time.Time)

	// OnStepStart is called before invoking a step.
	// stepIndex is the 0-based index into WorkflowDefinition.Steps.
	OnStepStart(ctx context.Context, run *Run, stepName string, stepIndex int)

	// OnStepCompleted is called after a step finishes, for both successes
	// and failures (err != nil). For RunSteps this fires once per step,
	// after retries are resolved, not once per attempt.
	OnStepCompleted(ctx context.Context, run *Run, stepName string, stepIndex int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                          {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)                      {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)              {}
func (NoopObserver) OnRunSleeping(ctx context.Context, run *Run, wakeAt time.Time)     {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, stepName string, idx int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunSleeping(ctx context.Context, run *Run, wakeAt time.Time) {
	for _, o := range c.observers {
		o.OnRunSleeping(ctx, run, wakeAt)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, stepName string, idx int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepName, idx)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepName, idx, err, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided zap.Logger. If logger is nil, zap.NewNop()
// is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.Info("run_start",
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
		zap.String("event", run.Event.Name),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.Info("run_completed",
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.Error("run_failed",
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
		zap.Error(err),
	)
}

func (o *LoggingObserver) OnRunSleeping(ctx context.Context, run *Run, wakeAt time.Time) {
	o.Logger.Info("run_sleeping",
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
		zap.Time("wake_at", wakeAt),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, stepName string, idx int) {
	o.Logger.Debug("step_start",
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
		zap.String("step", stepName),
		zap.Int("step_index", idx),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	fields := []zap.Field{
		zap.String("workflow", run.DefinitionID),
		zap.String("run_id", run.ID),
		zap.String("step", stepName),
		zap.Int("step_index", idx),
		zap.Duration("duration", d),
	}
	if err != nil {
		o.Logger.Error("step_completed", append(fields, zap.Error(err))...)
		return
	}
	o.Logger.Debug("step_completed", fields...)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsSuspended     atomic.Int64
	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsSuspended int64
	InFlightRuns  int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunSleeping(ctx context.Context, run *Run, wakeAt time.Time) {
	m.runsSuspended.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsSuspended:   m.runsSuspended.Load(),
		InFlightRuns:    started - completed - failed,
		StepsCompleted:  steps,
		AvgStepDuration: avg,
	}
}
