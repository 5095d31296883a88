// internal/process/worker.go
package process

import (
	"errors"
	"fmt"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

var (
	// ErrUnknownWorker is returned for an id that is not registered.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrIllegalTransition is returned when a state change is not allowed
	// by the worker lifecycle.
	ErrIllegalTransition = errors.New("illegal worker transition")
)

// Worker is the registry's record of one render worker.
type Worker struct {
	ID    string
	State schema.WorkerState
	// Frame is set exactly when State is WorkerWorking.
	Frame *int
	Error string
}

// Info returns the wire form of w.
func (w Worker) Info() schema.ProcessInfo {
	info := schema.ProcessInfo{State: w.State, Error: w.Error}
	if w.Frame != nil {
		frame := *w.Frame
		info.Frame = &frame
	}
	return info
}

var transitions = map[schema.WorkerState][]schema.WorkerState{
	schema.WorkerPending: {schema.WorkerReady, schema.WorkerError},
	schema.WorkerReady:   {schema.WorkerWorking},
	schema.WorkerWorking: {schema.WorkerReady},
	schema.WorkerError:   nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Removal is not a transition; any state may be removed.
func CanTransition(from, to schema.WorkerState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOption supplies the extra data some transitions carry.
type TransitionOption func(*transitionExtra)

type transitionExtra struct {
	frame    *int
	errorMsg string
}

// WithFrame sets the frame assigned on Ready -> Working.
func WithFrame(index int) TransitionOption {
	return func(e *transitionExtra) { e.frame = &index }
}

// WithError sets the diagnostic recorded on Pending -> Error.
func WithError(err error) TransitionOption {
	return func(e *transitionExtra) {
		if err != nil {
			e.errorMsg = err.Error()
		}
	}
}

func apply(w *Worker, to schema.WorkerState, extra transitionExtra) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("%w: %s -> %s (worker %s)", ErrIllegalTransition, w.State, to, w.ID)
	}
	if to == schema.WorkerWorking && extra.frame == nil {
		return fmt.Errorf("%w: working without a frame (worker %s)", ErrIllegalTransition, w.ID)
	}

	w.State = to
	w.Frame = nil
	switch to {
	case schema.WorkerWorking:
		w.Frame = extra.frame
	case schema.WorkerError:
		w.Error = extra.errorMsg
	}
	return nil
}
