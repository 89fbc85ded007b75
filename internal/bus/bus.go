// Package bus provides the fire-and-forget event intake for the engine:
// emitted events are queued and dispatch workers start a run for every
// definition whose trigger matches.
package bus

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingup/flowline/pkg/api"
)

// Task is one queued event delivery.
type Task struct {
	Event api.Event
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// InMemoryQueue is a Queue implementation backed by a buffered channel.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch chan Task
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

// Lookup returns the definitions triggered by an event name.
type Lookup func(eventName string) []api.WorkflowDefinition

// StartRunFunc starts a run for one matched definition.
type StartRunFunc func(ctx context.Context, def api.WorkflowDefinition, event api.Event) (string, error)

// Dispatcher drains the queue with a pool of workers. A run failure is
// logged, never propagated to the emitter; workflows are fire-and-forget
// by construction.
type Dispatcher struct {
	queue   Queue
	lookup  Lookup
	start   StartRunFunc
	logger  *zap.Logger
	workers int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewDispatcher creates a Dispatcher with the given worker count.
func NewDispatcher(queue Queue, lookup Lookup, start StartRunFunc, logger *zap.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		lookup:  lookup,
		start:   start,
		logger:  logger,
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	d.group = g

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.loop(ctx)
		})
	}
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (d *Dispatcher) Stop() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	err := d.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if task == nil {
			continue
		}

		for _, def := range d.lookup(task.Event.Name) {
			if _, err := d.start(ctx, def, task.Event); err != nil {
				d.logger.Error("run from event",
					zap.String("workflow", def.ID),
					zap.String("event", task.Event.Name),
					zap.Error(err),
				)
			}
		}
	}
}
