// internal/process/registry.go
package process

import (
	"sort"

	"github.com/google/uuid"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Snapshot is an immutable copy of the registry contents.
type Snapshot struct {
	Workers []Worker
}

// Processes returns the snapshot keyed by worker id, in wire form.
func (s Snapshot) Processes() map[string]schema.ProcessInfo {
	out := make(map[string]schema.ProcessInfo, len(s.Workers))
	for _, w := range s.Workers {
		out[w.ID] = w.Info()
	}
	return out
}

// Count returns how many workers are in state.
func (s Snapshot) Count(state schema.WorkerState) int {
	n := 0
	for _, w := range s.Workers {
		if w.State == state {
			n++
		}
	}
	return n
}

// Registry tracks the known workers and their lifecycle state.
//
// A Registry is not safe for concurrent use; it is owned by a single event
// loop and observers receive full snapshots.
type Registry struct {
	workers  map[string]*Worker
	observer func(Snapshot)
	newID    func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		newID:   func() string { return uuid.NewString() },
	}
}

// OnChange installs fn to receive a snapshot after every change.
func (r *Registry) OnChange(fn func(Snapshot)) {
	r.observer = fn
}

// Add creates a Pending worker and returns its id.
func (r *Registry) Add() string {
	id := r.newID()
	for r.workers[id] != nil {
		id = r.newID()
	}
	r.workers[id] = &Worker{ID: id, State: schema.WorkerPending}
	r.notify()
	return id
}

// Kill removes the worker in whatever state it is. It reports whether a
// worker was removed; killing an absent id is a no-op.
func (r *Registry) Kill(id string) bool {
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	r.notify()
	return true
}

// Transition moves worker id to state. Illegal transitions leave the worker
// untouched and return ErrIllegalTransition.
func (r *Registry) Transition(id string, state schema.WorkerState, opts ...TransitionOption) error {
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}

	var extra transitionExtra
	for _, opt := range opts {
		opt(&extra)
	}
	if err := apply(w, state, extra); err != nil {
		return err
	}
	r.notify()
	return nil
}

// Get returns a copy of worker id.
func (r *Registry) Get(id string) (Worker, bool) {
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return copyWorker(w), true
}

// Ready returns the ids of Ready workers in id order.
func (r *Registry) Ready() []string {
	var ids []string
	for id, w := range r.workers {
		if w.State == schema.WorkerReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered workers.
func (r *Registry) Len() int { return len(r.workers) }

// Snapshot returns a copy of every worker, ordered by id.
func (r *Registry) Snapshot() Snapshot {
	workers := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, copyWorker(w))
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return Snapshot{Workers: workers}
}

func (r *Registry) notify() {
	if r.observer != nil {
		r.observer(r.Snapshot())
	}
}

func copyWorker(w *Worker) Worker {
	c := *w
	if w.Frame != nil {
		frame := *w.Frame
		c.Frame = &frame
	}
	return c
}
