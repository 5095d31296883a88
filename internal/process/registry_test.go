package process

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

func TestAddCreatesPendingWorkerAndNotifies(t *testing.T) {
	reg := NewRegistry()
	var snaps []Snapshot
	reg.OnChange(func(s Snapshot) { snaps = append(snaps, s) })

	id := reg.Add()
	if id == "" {
		t.Fatal("expected a worker id")
	}
	w, ok := reg.Get(id)
	if !ok || w.State != schema.WorkerPending || w.Frame != nil {
		t.Fatalf("unexpected worker: %+v", w)
	}
	if len(snaps) != 1 || len(snaps[0].Workers) != 1 {
		t.Fatalf("expected one notification with one worker, got %+v", snaps)
	}
}

func TestIDsAreNotReused(t *testing.T) {
	reg := NewRegistry()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := reg.Add()
		if seen[id] {
			t.Fatalf("id %s reused", id)
		}
		seen[id] = true
		reg.Kill(id)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add()

	if err := reg.Transition(id, schema.WorkerWorking, WithFrame(0)); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("pending -> working should be illegal, got %v", err)
	}
	if err := reg.Transition(id, schema.WorkerReady); err != nil {
		t.Fatalf("pending -> ready: %v", err)
	}
	if err := reg.Transition(id, schema.WorkerWorking); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("working without frame should be illegal, got %v", err)
	}
	if err := reg.Transition(id, schema.WorkerWorking, WithFrame(7)); err != nil {
		t.Fatalf("ready -> working: %v", err)
	}
	w, _ := reg.Get(id)
	if w.Frame == nil || *w.Frame != 7 {
		t.Fatalf("working worker must carry its frame: %+v", w)
	}
	if err := reg.Transition(id, schema.WorkerReady); err != nil {
		t.Fatalf("working -> ready: %v", err)
	}
	w, _ = reg.Get(id)
	if w.Frame != nil {
		t.Fatalf("ready worker must not carry a frame: %+v", w)
	}
}

func TestSpawnFailureRecordsDiagnostic(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add()
	if err := reg.Transition(id, schema.WorkerError, WithError(errors.New("exec: not found"))); err != nil {
		t.Fatalf("pending -> error: %v", err)
	}
	w, _ := reg.Get(id)
	if w.State != schema.WorkerError || w.Error != "exec: not found" {
		t.Fatalf("unexpected worker: %+v", w)
	}
	if err := reg.Transition(id, schema.WorkerReady); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("error -> ready should be illegal, got %v", err)
	}
}

func TestIllegalTransitionLeavesWorkerUntouched(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add()
	notified := 0
	reg.OnChange(func(Snapshot) { notified++ })

	_ = reg.Transition(id, schema.WorkerWorking, WithFrame(1))
	w, _ := reg.Get(id)
	if w.State != schema.WorkerPending || w.Frame != nil {
		t.Fatalf("worker mutated by illegal transition: %+v", w)
	}
	if notified != 0 {
		t.Fatalf("illegal transition notified observers %d times", notified)
	}
}

func TestKillIsIdempotentInEveryState(t *testing.T) {
	reg := NewRegistry()
	pending := reg.Add()
	working := reg.Add()
	_ = reg.Transition(working, schema.WorkerReady)
	_ = reg.Transition(working, schema.WorkerWorking, WithFrame(0))

	for _, id := range []string{pending, working} {
		if !reg.Kill(id) {
			t.Fatalf("kill %s returned false", id)
		}
		if reg.Kill(id) {
			t.Fatalf("second kill of %s returned true", id)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not empty: %+v", reg.Snapshot())
	}
	if err := reg.Transition(working, schema.WorkerReady); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("transition on killed worker: got %v want ErrUnknownWorker", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add()
	_ = reg.Transition(id, schema.WorkerReady)
	_ = reg.Transition(id, schema.WorkerWorking, WithFrame(2))

	snap := reg.Snapshot()
	*snap.Workers[0].Frame = 99
	snap.Workers[0].State = schema.WorkerError

	w, _ := reg.Get(id)
	if w.State != schema.WorkerWorking || *w.Frame != 2 {
		t.Fatalf("snapshot shares state with registry: %+v", w)
	}
}

// The published snapshot always mirrors exactly the workers that were not
// killed, with their last state.
func TestRandomAddKillSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			reg := NewRegistry()
			var last Snapshot
			reg.OnChange(func(s Snapshot) { last = s })
			model := map[string]schema.WorkerState{}
			var ids []string

			for step := 0; step < 100; step++ {
				switch op := rng.Intn(3); {
				case op == 0 || len(ids) == 0:
					id := reg.Add()
					ids = append(ids, id)
					model[id] = schema.WorkerPending
				case op == 1:
					id := ids[rng.Intn(len(ids))]
					reg.Kill(id)
					delete(model, id)
				default:
					id := ids[rng.Intn(len(ids))]
					if model[id] == schema.WorkerPending && reg.Transition(id, schema.WorkerReady) == nil {
						model[id] = schema.WorkerReady
					}
				}

				if len(last.Workers) != len(model) {
					t.Fatalf("step %d: snapshot has %d workers, model %d", step, len(last.Workers), len(model))
				}
				for _, w := range last.Workers {
					if model[w.ID] != w.State {
						t.Fatalf("step %d: worker %s state %s, model %s", step, w.ID, w.State, model[w.ID])
					}
				}
			}
		})
	}
}
