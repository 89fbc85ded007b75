// Package api contains the core building blocks of the flowline workflow
// engine: events, triggers, step specifications, run records, and the
// Observer interface.
//
// Most users interact with the higher-level flowline package, which
// re-exports selected types and provides engine constructors. The api
// package is intended for custom integrations or contributors extending
// the engine itself.
//
// # Workflow Definitions
//
// A WorkflowDefinition describes a background job: a globally unique id,
// exactly one Trigger (a named event or a cron schedule), and an ordered
// sequence of steps. Definitions are registered with an engine at process
// start and are immutable afterward.
//
// # Steps
//
// Steps come in two flavors. A RunStep wraps an ActionFunc, an atomic unit
// of user code whose result is checkpointed under the step name. A
// SleepUntilStep suspends the run until an absolute wall-clock instant,
// without holding any goroutine while suspended.
//
// Actions are expected to be idempotent: event delivery is at-least-once,
// and after a crash the step at the current index may execute a second
// time. The engine never re-invokes steps that already have a checkpointed
// result.
//
// # Runs
//
// A Run is one durable execution instance of a definition. Its progress
// (current step index, per-step results, sleep wake time) is persisted
// after every step so that a process restart resumes the run instead of
// repeating it.
//
// # Observability
//
// The Observer interface reports run and step lifecycle events. Ready-made
// implementations cover structured logging (zap), basic in-memory metrics,
// and fan-out composition.
package api
