package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSleeping  Status = "SLEEPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether a run in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is a named occurrence handed to the engine via Emit. Events are
// immutable once emitted. Delivery is at-least-once: the same event name
// (and even the same payload) may be seen more than once, so step actions
// must be idempotent.
type Event struct {
	Name       string
	Data       map[string]any
	OccurredAt time.Time
}

// Trigger is the condition that starts a run of a workflow definition:
// either a named event or a cron schedule. A definition has exactly one.
type Trigger interface {
	isTrigger()
}

// EventTrigger fires a run whenever an event with the given name is emitted.
type EventTrigger struct {
	Event string
}

func (EventTrigger) isTrigger() {}

// CronTrigger fires a run on a recurring schedule. Expression uses the
// standard 5-field cron syntax (plus @-descriptors); Timezone is an IANA
// location name such as "America/New_York" and is never implicit.
type CronTrigger struct {
	Expression string
	Timezone   string
}

func (CronTrigger) isTrigger() {}

// StepContext is what a step sees when it executes: the triggering event,
// the results of previously completed steps, and the engine's notion of
// "now". Collaborator handles (stores, mail) are closed over by the step
// functions themselves; the context carries no service locator.
type StepContext struct {
	Event Event

	now     func() time.Time
	results map[string]any
}

// NewStepContext is used by the engine to build the context passed to a
// step. The results map must not be mutated by steps; the engine hands in
// a copy.
func NewStepContext(event Event, now func() time.Time, results map[string]any) *StepContext {
	if now == nil {
		now = time.Now
	}
	return &StepContext{Event: event, now: now, results: results}
}

// Now returns the engine's current time. Steps must use this instead of
// time.Now so that durable sleeps behave under a test clock.
func (c *StepContext) Now() time.Time {
	return c.now()
}

// Result returns the recorded result of an earlier completed step.
func (c *StepContext) Result(stepName string) (any, bool) {
	v, ok := c.results[stepName]
	return v, ok
}

// ActionFunc is the body of a RunStep. It must be safe to invoke more than
// once for the same run: the engine re-invokes only the step at the current
// index, never completed ones, but at-least-once delivery means the current
// step can still execute twice after a crash.
type ActionFunc func(ctx context.Context, sc *StepContext) (any, error)

// ResolveFunc computes the absolute wake time for a SleepUntilStep.
type ResolveFunc func(sc *StepContext) time.Time

// StepSpec is one unit of a workflow definition. Implementations are
// RunStep and SleepUntilStep.
type StepSpec interface {
	StepName() string
}

// RunStep is an atomic action. Its result is checkpointed under the step
// name once the action succeeds.
type RunStep struct {
	Name   string
	Action ActionFunc

	// Retry overrides the engine's default retry policy for this step.
	Retry *RetryPolicy
}

func (s RunStep) StepName() string { return s.Name }

// SleepUntilStep suspends the run until the resolved instant. A sleeping
// run holds no goroutine; it is a persisted record plus a scheduler wake
// entry. If the resolved time is already past, the step completes
// immediately.
type SleepUntilStep struct {
	Name  string
	Until ResolveFunc
}

func (s SleepUntilStep) StepName() string { return s.Name }

// WorkflowDefinition describes a workflow: a globally unique id, one
// trigger, and an ordered sequence of steps. Definitions are registered at
// startup and immutable afterward.
type WorkflowDefinition struct {
	ID      string
	Trigger Trigger
	Steps   []StepSpec
}

// Run is one durable execution instance of a WorkflowDefinition.
//
// Invariants maintained by the engine:
//   - CurrentStep is monotonically non-decreasing.
//   - StepResults keys are exactly the names of Steps[0..CurrentStep).
//   - A run entering StatusSleeping has WakeAt set to a future instant.
//   - Terminal runs are never mutated again.
type Run struct {
	ID           string
	DefinitionID string

	// Event is the triggering event. For cron-triggered runs it is a
	// synthetic tick event.
	Event Event

	Status      Status
	CurrentStep int
	StepResults map[string]any

	// WakeAt is set while Status is StatusSleeping.
	WakeAt *time.Time

	Err error

	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunListOptions controls how runs are listed. Zero values mean "no filter".
type RunListOptions struct {
	DefinitionID string
	Status       Status
}

// RetryPolicy controls how a RunStep is retried when its action returns an
// error. MaxAttempts includes the first attempt; backoff is exponential
// starting at InitialBackoff and capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is applied to steps without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

var (
	// ErrDuplicateDefinition is returned by Register when a definition id
	// is already taken. Registration happens at startup, so callers should
	// treat this as fatal.
	ErrDuplicateDefinition = errors.New("workflow definition already registered")

	// ErrMissingReference signals that a step's action looked up a domain
	// record that no longer exists. The engine treats it as a no-op
	// success, since the desired end state already holds.
	ErrMissingReference = errors.New("referenced record no longer exists")
)

// ActionError reports a RunStep action that failed after exhausting its
// retry policy. The run it belongs to is left in StatusFailed.
type ActionError struct {
	DefinitionID string
	Step         string
	Err          error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("workflow %s: step %s: %v", e.DefinitionID, e.Step, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
