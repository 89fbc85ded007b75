package api

import (
	"context"
)

// Engine is the high-level engine API.
//
// Registration happens once at process start; after Start the registered
// trigger set is read-only. Emit is the single entry point for the rest of
// the application and always returns without waiting for any workflow to
// make progress.
type Engine interface {
	// Register adds a workflow definition. It fails with
	// ErrDuplicateDefinition if the id is already registered, and with a
	// validation error for malformed definitions (empty id, no steps,
	// unparseable cron trigger).
	Register(def WorkflowDefinition) error

	// Emit hands an event to the engine, fire-and-forget. One run is
	// started for every definition whose trigger matches the event name;
	// zero matches is not an error.
	Emit(ctx context.Context, name string, data map[string]any) error

	// GetRun looks up a run by id.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the given options. Zero-valued
	// options return all runs.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*Run, error)

	// Triggers reports the registered trigger set: which event names and
	// cron schedules the engine reacts to.
	Triggers() []Trigger

	// Start restores sleeping runs into the wake queue, re-advances runs
	// interrupted by a crash, and launches the dispatch workers and the
	// scheduler tick loop.
	Start(ctx context.Context) error

	// Stop shuts down the scheduler and dispatch workers. Persisted runs
	// are untouched and resume on the next Start.
	Stop(ctx context.Context) error
}
