// Package scheduler wakes the step executor for time-based work: recurring
// cron ticks and single-shot wake-ups for sleeping runs.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pingup/flowline/internal/persistence"
	"github.com/pingup/flowline/pkg/api"
)

// TickEventName is the name of the synthetic event attached to
// cron-triggered runs.
const TickEventName = "cron.tick"

// AdvanceFunc resumes a sleeping run. Function-valued to break the
// scheduler/executor dependency cycle: the engine provides the
// implementation.
type AdvanceFunc func(ctx context.Context, runID string) error

// StartRunFunc starts a new run for a cron-triggered definition.
type StartRunFunc func(ctx context.Context, def api.WorkflowDefinition, event api.Event) (string, error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due wake-ups
// and cron fires. The default is one second.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// cronParser supports standard 5-field cron and descriptors like "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// ValidateCron checks a cron trigger without registering it, so that a
// malformed definition can be rejected before it enters the registry.
func ValidateCron(trigger api.CronTrigger) error {
	if _, err := ParseSchedule(trigger.Expression); err != nil {
		return fmt.Errorf("parse cron %q: %w", trigger.Expression, err)
	}
	if trigger.Timezone != "" {
		if _, err := time.LoadLocation(trigger.Timezone); err != nil {
			return fmt.Errorf("load timezone %q: %w", trigger.Timezone, err)
		}
	}
	return nil
}

// wakeEntry is one pending wake-up for a sleeping run.
type wakeEntry struct {
	at    time.Time
	runID string
}

// wakeHeap is a min-heap of wake entries ordered by wake time.
type wakeHeap []wakeEntry

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h wakeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)        { *h = append(*h, x.(wakeEntry)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// cronEntry is one registered cron trigger with its precomputed next fire.
type cronEntry struct {
	def      api.WorkflowDefinition
	schedule cronlib.Schedule
	loc      *time.Location
	next     time.Time
}

// Scheduler drives both cron triggers and sleep wake-ups from a single
// tick loop. Missed cron ticks (process was down) are not backfilled; only
// the next future tick fires. Wake-ups are never silently lost: a wake
// whose advance fails is retried on the next tick.
type Scheduler struct {
	runs    persistence.RunStore
	advance AdvanceFunc
	start   StartRunFunc
	clock   clock.Clock
	logger  *zap.Logger

	tickInterval time.Duration

	mu    sync.Mutex
	wakes wakeHeap
	crons []*cronEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. The advance and start callbacks are provided by
// the engine.
func New(
	runs persistence.RunStore,
	advance AdvanceFunc,
	start StartRunFunc,
	clk clock.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		runs:         runs,
		advance:      advance,
		start:        start,
		clock:        clk,
		logger:       logger,
		tickInterval: time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddCron registers a cron trigger. The expression and timezone are
// resolved to an absolute next-fire instant, recomputed after each fire.
// Invalid expressions or unknown timezones fail here, at startup.
func (s *Scheduler) AddCron(def api.WorkflowDefinition, trigger api.CronTrigger) error {
	schedule, err := ParseSchedule(trigger.Expression)
	if err != nil {
		return fmt.Errorf("workflow %q: parse cron %q: %w", def.ID, trigger.Expression, err)
	}

	tz := trigger.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("workflow %q: load timezone %q: %w", def.ID, tz, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons = append(s.crons, &cronEntry{
		def:      def,
		schedule: schedule,
		loc:      loc,
		next:     schedule.Next(s.clock.Now().In(loc)),
	})
	return nil
}

// Schedule registers a single-shot wake-up for a sleeping run. Wake times
// in the past fire on the next tick.
func (s *Scheduler) Schedule(wakeAt time.Time, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.wakes, wakeEntry{at: wakeAt, runID: runID})
}

// Restore rebuilds the wake queue from persisted sleeping runs. It is
// called on startup so that sleeping runs survive a process restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	sleeping, err := s.runs.ListSleeping()
	if err != nil {
		return fmt.Errorf("list sleeping runs: %w", err)
	}

	for _, run := range sleeping {
		if run.WakeAt == nil {
			s.logger.Warn("sleeping run without wake time", zap.String("run_id", run.ID))
			continue
		}
		s.Schedule(*run.WakeAt, run.ID)
	}

	if len(sleeping) > 0 {
		s.logger.Info("restored sleeping runs", zap.Int("count", len(sleeping)))
	}
	return nil
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	s.fireWakes(ctx, now)
	s.fireCrons(ctx, now)
}

// fireWakes hands every due wake-up to its own goroutine. Runs are
// isolated: a step that blocks stalls only its run, never the tick loop,
// other wakes, or cron fires. The executor's per-run locks make the
// concurrent advances safe, and work interrupted by process exit is
// re-advanced on the next start.
func (s *Scheduler) fireWakes(ctx context.Context, now time.Time) {
	for _, entry := range s.dueWakes(now) {
		go func(entry wakeEntry) {
			if err := s.advance(ctx, entry.runID); err != nil {
				// The run store was unavailable for this wake attempt. The
				// run record still holds its wake time, so retry next tick.
				s.logger.Error("wake run",
					zap.String("run_id", entry.runID),
					zap.Error(err),
				)
				s.Schedule(now.Add(s.tickInterval), entry.runID)
			}
		}(entry)
	}
}

// dueWakes pops every entry due at or before now. Runs due at the same
// instant are woken in arbitrary order, but none is skipped.
func (s *Scheduler) dueWakes(now time.Time) []wakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []wakeEntry
	for len(s.wakes) > 0 && !s.wakes[0].at.After(now) {
		due = append(due, heap.Pop(&s.wakes).(wakeEntry))
	}
	return due
}

func (s *Scheduler) fireCrons(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*cronEntry
	for _, entry := range s.crons {
		if !entry.next.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	// Recompute next fires on the tick loop, then start each run on its
	// own goroutine so one slow run cannot delay other schedules.
	s.mu.Lock()
	for _, entry := range due {
		entry.next = entry.schedule.Next(now.In(entry.loc))
	}
	s.mu.Unlock()

	for _, entry := range due {
		go func(def api.WorkflowDefinition) {
			event := api.Event{
				Name:       TickEventName,
				Data:       map[string]any{"schedule": def.Trigger.(api.CronTrigger).Expression},
				OccurredAt: now,
			}

			if _, err := s.start(ctx, def, event); err != nil {
				s.logger.Error("cron run",
					zap.String("workflow", def.ID),
					zap.Error(err),
				)
			}
		}(entry.def)
	}
}
