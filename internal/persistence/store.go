package persistence

import (
	"errors"
	"time"

	"github.com/pingup/flowline/pkg/api"
)

// ErrRunNotFound is returned when a run record is not found.
var ErrRunNotFound = errors.New("run not found")

// RunFilter is used to select runs from the store.
// Empty string / zero status mean "no filter" for that field.
type RunFilter struct {
	DefinitionID string
	Status       api.Status
}

// RunStore handles storage of run records. It is the engine's own state
// store, independent of the application's domain persistence.
type RunStore interface {
	// SaveRun persists a newly created run.
	SaveRun(run *api.Run) error

	// UpdateRun persists the current state of an existing run. It returns
	// ErrRunNotFound if the run was never saved (or has been purged).
	UpdateRun(run *api.Run) error

	// GetRun returns the run with the given id.
	GetRun(id string) (*api.Run, error)

	// ListRuns returns runs matching the filter.
	ListRuns(filter RunFilter) ([]*api.Run, error)

	// ListSleeping returns all runs in StatusSleeping. The scheduler uses
	// it on startup to rebuild its wake queue, so sleeping runs survive a
	// process restart.
	ListSleeping() ([]*api.Run, error)

	// PurgeTerminal deletes completed and failed runs that finished before
	// the given cutoff. It returns the number of runs removed.
	PurgeTerminal(olderThan time.Time) (int, error)
}
