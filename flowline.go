package flowline

import (
	"database/sql"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pingup/flowline/internal/engine"
	"github.com/pingup/flowline/internal/persistence"
	"github.com/pingup/flowline/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Event                = api.Event
	Trigger              = api.Trigger
	EventTrigger         = api.EventTrigger
	CronTrigger          = api.CronTrigger
	WorkflowDefinition   = api.WorkflowDefinition
	StepSpec             = api.StepSpec
	RunStep              = api.RunStep
	SleepUntilStep       = api.SleepUntilStep
	StepContext          = api.StepContext
	Run                  = api.Run
	RunListOptions       = api.RunListOptions
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	ActionError          = api.ActionError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values and sentinel errors for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSleeping  = api.StatusSleeping
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

var (
	ErrDuplicateDefinition = api.ErrDuplicateDefinition
	ErrMissingReference    = api.ErrMissingReference
)

// Option configures an engine at construction time.
type Option func(*engine.Config)

// WithObserver sets the engine's observer.
func WithObserver(obs Observer) Option {
	return func(cfg *engine.Config) { cfg.Observer = obs }
}

// WithLogger sets the structured logger used by the engine, scheduler,
// and dispatch workers.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *engine.Config) { cfg.Logger = logger }
}

// WithClock replaces the engine's clock. Tests use a mock clock to drive
// 24-hour sleeps and cron schedules deterministically.
func WithClock(clk clock.Clock) Option {
	return func(cfg *engine.Config) { cfg.Clock = clk }
}

// WithWorkers sets the number of event dispatch workers.
func WithWorkers(n int) Option {
	return func(cfg *engine.Config) { cfg.Workers = n }
}

// WithTickInterval sets how often the scheduler checks for due wake-ups
// and cron fires.
func WithTickInterval(d time.Duration) Option {
	return func(cfg *engine.Config) { cfg.TickInterval = d }
}

// WithRetryPolicy sets the default retry policy applied to steps that do
// not declare their own.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *engine.Config) { cfg.DefaultRetry = p }
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine whose run state lives in memory.
// Runs do not survive a process restart; intended for tests and local
// development.
func NewInMemoryEngine(opts ...Option) Engine {
	return newEngine(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteEngine returns an Engine that persists run state in a SQLite
// database, giving runs (including sleeping ones) crash durability.
// Workflow definitions are kept in-memory and re-registered at startup.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts), nil
}

func newEngine(store persistence.RunStore, opts []Option) Engine {
	cfg := engine.Config{Runs: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}
