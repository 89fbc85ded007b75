package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pingup/flowline/pkg/api"
)

// registry maps triggers to workflow definitions. It is populated once at
// startup and read-only afterward; the lock only guards against racy
// registration during wiring.
type registry struct {
	mu      sync.RWMutex
	byID    map[string]api.WorkflowDefinition
	byEvent map[string][]api.WorkflowDefinition
	crons   []api.WorkflowDefinition
}

func newRegistry() *registry {
	return &registry{
		byID:    make(map[string]api.WorkflowDefinition),
		byEvent: make(map[string][]api.WorkflowDefinition),
	}
}

func (r *registry) Register(def api.WorkflowDefinition) error {
	if def.ID == "" {
		return errors.New("workflow id is required")
	}
	if def.Trigger == nil {
		return fmt.Errorf("workflow %q: trigger is required", def.ID)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q: at least one step is required", def.ID)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		name := step.StepName()
		if name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", def.ID, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("workflow %q: duplicate step name %q", def.ID, name)
		}
		seen[name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("workflow %q: %w", def.ID, api.ErrDuplicateDefinition)
	}
	r.byID[def.ID] = def

	switch t := def.Trigger.(type) {
	case api.EventTrigger:
		r.byEvent[t.Event] = append(r.byEvent[t.Event], def)
	case api.CronTrigger:
		r.crons = append(r.crons, def)
	default:
		return fmt.Errorf("workflow %q: unsupported trigger type %T", def.ID, def.Trigger)
	}

	return nil
}

// Get returns the definition with the given id.
func (r *registry) Get(id string) (api.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	return def, ok
}

// ByEvent returns all definitions triggered by the given event name.
// Zero matches is valid; event names are not required to be unique per
// definition.
func (r *registry) ByEvent(eventName string) []api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := r.byEvent[eventName]
	out := make([]api.WorkflowDefinition, len(defs))
	copy(out, defs)
	return out
}

// ByCron returns all definitions whose cron trigger matches the given
// expression and timezone.
func (r *registry) ByCron(expression, timezone string) []api.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []api.WorkflowDefinition
	for _, def := range r.crons {
		t := def.Trigger.(api.CronTrigger)
		if t.Expression == expression && t.Timezone == timezone {
			out = append(out, def)
		}
	}
	return out
}

// Triggers returns the registered trigger set.
func (r *registry) Triggers() []api.Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Trigger, 0, len(r.byID))
	for _, def := range r.byID {
		out = append(out, def.Trigger)
	}
	return out
}
