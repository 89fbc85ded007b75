// Package flowline is the asynchronous workflow engine behind the PingUp
// social app's background jobs: syncing auth-provider accounts, sending
// connection-request reminders, expiring stories, and mailing unseen
// message digests.
//
// It reacts to named events and cron schedules, and executes multi-step,
// time-delayed jobs with at-least-once durability: each step's result is
// checkpointed, so a process restart resumes a run from where it left off
// instead of repeating it.
//
// # Core Concepts
//
//  1. Engine
//  2. Workflow definitions
//  3. Steps
//  4. Runs
//  5. Scheduler
//
// # Engine
//
// The Engine accepts events via Emit (fire-and-forget), matches them
// against registered workflow definitions, and drives a Run per match.
// Run state can be kept in memory (tests, development) or in SQLite for
// crash durability.
//
// # Workflow definitions
//
// A WorkflowDefinition is data: a globally unique id, one trigger (event
// name or cron schedule with an explicit timezone), and an ordered list of
// steps. The application's six jobs live in pkg/jobs.
//
// # Steps
//
// A RunStep executes an idempotent action and checkpoints its result. A
// SleepUntilStep suspends the run until an absolute instant; while
// suspended the run holds no goroutine, only a persisted record and a
// scheduler wake entry, so any number of runs can sleep concurrently.
//
// # Runs
//
// A Run is one durable execution of a definition. Runs advance strictly
// in step order, are independent of each other, and end Completed or
// Failed. A failed run produces no further side effects and is surfaced
// through logs and the observer, never to the emitter.
//
// # Scheduler
//
// The scheduler owns all time-based work: it wakes sleeping runs at their
// wake time and fires cron triggers at their next scheduled instant,
// recomputed after each fire. On startup it rebuilds its wake queue from
// persisted sleeping runs.
//
// # Usage
//
//	eng := flowline.NewInMemoryEngine()
//	if err := jobs.Register(eng, jobs.Config{Store: store, Mailer: mailer, FrontURL: url}); err != nil {
//		log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
//	_ = eng.Emit(ctx, jobs.EventUserCreated, map[string]any{"id": "u_1", "email": "a@x.com"})
//
// See the examples directory for an end-to-end local runner.
package flowline
