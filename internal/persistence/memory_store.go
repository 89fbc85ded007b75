package persistence

import (
	"maps"
	"sync"
	"time"

	"github.com/pingup/flowline/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe RunStore backed by a map.
// It is non-durable and intended for tests and local development.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*api.Run
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs: make(map[string]*api.Run),
	}
}

// Ensure InMemoryStore implements RunStore.
var _ RunStore = (*InMemoryStore)(nil)

// cloneRun copies a run so that callers never share mutable state with the
// store. StepResults values are not deep-copied; the engine treats them as
// immutable once recorded.
func cloneRun(run *api.Run) *api.Run {
	c := *run
	c.StepResults = maps.Clone(run.StepResults)
	if run.WakeAt != nil {
		at := *run.WakeAt
		c.WakeAt = &at
	}
	if run.FinishedAt != nil {
		at := *run.FinishedAt
		c.FinishedAt = &at
	}
	return &c
}

func (s *InMemoryStore) SaveRun(run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) UpdateRun(run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) GetRun(id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	return cloneRun(run), nil
}

func (s *InMemoryStore) ListRuns(filter RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run

	for _, run := range s.runs {
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, cloneRun(run))
	}

	return result, nil
}

func (s *InMemoryStore) ListSleeping() ([]*api.Run, error) {
	return s.ListRuns(RunFilter{Status: api.StatusSleeping})
}

func (s *InMemoryStore) PurgeTerminal(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, run := range s.runs {
		if !run.Status.Terminal() {
			continue
		}
		if run.FinishedAt == nil || run.FinishedAt.After(olderThan) {
			continue
		}
		delete(s.runs, id)
		count++
	}

	return count, nil
}
