// Package coordinator owns the active job and drives frame assignment to
// idle workers until every frame and the animation have been produced.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-renderfarm/internal/process"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Assignment is one frame handed to one worker, tagged with the job
// generation it belongs to.
type Assignment struct {
	WorkerID   string
	Generation uint64
	Index      int
	Job        schema.Job
}

// Completion reports that a worker finished (or failed) an assignment.
type Completion struct {
	WorkerID   string
	Generation uint64
	Index      int
}

// Dispatcher delivers an assignment to the remote worker.
type Dispatcher interface {
	Dispatch(a Assignment) error
}

// AnimationRequester asks the render layer to assemble the animation of a
// finished job generation. The result comes back through CompleteAnimation.
type AnimationRequester interface {
	RequestAnimation(generation uint64, job schema.Job)
}

// Outcome describes what CompleteFrame did with a completion.
type Outcome int

const (
	// Accepted means the frame counted towards the current job.
	Accepted Outcome = iota
	// Stale means the completion belonged to a superseded generation.
	Stale
	// Duplicate means the frame had already been rendered.
	Duplicate
	// OutOfRange means the index is not part of the job.
	OutOfRange
	// Unmatched means no worker holds that assignment, for example after a
	// kill or a repeated report.
	Unmatched
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case OutOfRange:
		return "out_of_range"
	case Unmatched:
		return "unmatched"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status is a read-only view of the coordinator.
type Status struct {
	Generation         uint64     `json:"generation"`
	Job                schema.Job `json:"job"`
	Active             bool       `json:"active"`
	Dispatched         int        `json:"dispatched"`
	Rendered           int        `json:"rendered"`
	Remaining          int        `json:"remaining"`
	AnimationRequested bool       `json:"animationRequested"`
	AnimationReady     bool       `json:"animationReady"`
}

// Coordinator is the sole writer of job generation and frame assignment
// state. It is not safe for concurrent use.
type Coordinator struct {
	registry *process.Registry
	dispatch Dispatcher
	animator AnimationRequester
	logger   *slog.Logger
	onAssign func(Assignment)

	generation uint64
	job        schema.Job
	active     bool
	dispatched []bool
	rendered   []bool
	cursor     int
	remaining  int
	inflight   map[string]Assignment

	animationRequested bool
	animation          []byte
}

// New returns a coordinator with no active job.
func New(registry *process.Registry, dispatch Dispatcher, animator AnimationRequester, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		dispatch: dispatch,
		animator: animator,
		logger:   logger,
		inflight: make(map[string]Assignment),
	}
}

// OnAssign installs fn to observe every successful dispatch.
func (c *Coordinator) OnAssign(fn func(Assignment)) { c.onAssign = fn }

// SubmitJob replaces the active job, resets its frame set and returns the
// new generation. Ready workers are assigned immediately; workers still
// rendering a previous generation are released when their result arrives.
func (c *Coordinator) SubmitJob(job schema.Job) uint64 {
	c.generation++
	c.job = job
	c.active = true
	c.dispatched = make([]bool, job.TotalFrames)
	c.rendered = make([]bool, job.TotalFrames)
	c.cursor = 0
	c.remaining = job.TotalFrames
	c.animationRequested = false
	c.animation = nil

	c.logger.Info("job submitted", "generation", c.generation,
		"total_frames", job.TotalFrames, "width", job.Width, "height", job.Height,
		"samples_per_pixel", job.SamplesPerPixel)

	for _, id := range c.registry.Ready() {
		c.WorkerReady(id)
	}
	c.maybeRequestAnimation()
	return c.generation
}

// Generation returns the current job generation; zero before any job.
func (c *Coordinator) Generation() uint64 { return c.generation }

// Job returns the active job.
func (c *Coordinator) Job() schema.Job { return c.job }

// WorkerReady assigns the lowest undispatched frame to worker id if it is
// Ready and frames remain. It reports whether an assignment was made.
func (c *Coordinator) WorkerReady(id string) bool {
	if !c.active {
		return false
	}
	w, ok := c.registry.Get(id)
	if !ok || w.State != schema.WorkerReady {
		return false
	}
	index, ok := c.nextIndex()
	if !ok {
		return false
	}

	if err := c.registry.Transition(id, schema.WorkerWorking, process.WithFrame(index)); err != nil {
		c.logger.Warn("assign frame rejected", "worker_id", id, "index", index, "err", err)
		return false
	}
	a := Assignment{WorkerID: id, Generation: c.generation, Index: index, Job: c.job}
	c.dispatched[index] = true
	c.inflight[id] = a

	if err := c.dispatch.Dispatch(a); err != nil {
		c.logger.Error("dispatch frame failed", "worker_id", id, "index", index, "err", err)
		delete(c.inflight, id)
		c.release(index)
		c.setReady(id)
		return false
	}
	c.logger.Debug("frame assigned", "worker_id", id, "generation", a.Generation, "index", index)
	if c.onAssign != nil {
		c.onAssign(a)
	}
	return true
}

// CompleteFrame records a finished frame. The worker, if still registered
// and working on this assignment, returns to Ready and is given the next
// frame. A completion from a worker that has since been killed still counts
// when its generation is current.
func (c *Coordinator) CompleteFrame(done Completion) Outcome {
	c.releaseWorker(done)

	if done.Generation != c.generation || !c.active {
		c.logger.Debug("discarding stale completion", "worker_id", done.WorkerID,
			"generation", done.Generation, "current", c.generation, "index", done.Index)
		return Stale
	}
	if done.Index < 0 || done.Index >= len(c.rendered) {
		c.logger.Warn("completion for frame outside job", "worker_id", done.WorkerID, "index", done.Index)
		return OutOfRange
	}
	if c.rendered[done.Index] {
		return Duplicate
	}

	c.rendered[done.Index] = true
	c.dispatched[done.Index] = true
	c.remaining--
	c.logger.Debug("frame completed", "worker_id", done.WorkerID, "index", done.Index, "remaining", c.remaining)
	c.maybeRequestAnimation()
	return Accepted
}

// FailFrame records a render failure reported by a worker. When the worker
// still holds that assignment the frame goes back to the undispatched pool so
// the next Ready worker picks it up. Reports from killed workers and repeated
// reports leave the frame alone.
func (c *Coordinator) FailFrame(done Completion, cause error) Outcome {
	c.logger.Warn("frame render failed", "worker_id", done.WorkerID,
		"generation", done.Generation, "index", done.Index, "err", cause)

	if !c.holds(done) {
		c.logger.Debug("ignoring failure without matching assignment", "worker_id", done.WorkerID,
			"generation", done.Generation, "index", done.Index)
		if done.Generation != c.generation || !c.active {
			return Stale
		}
		return Unmatched
	}
	if done.Generation != c.generation || !c.active {
		c.releaseWorker(done)
		return Stale
	}
	if done.Index < 0 || done.Index >= len(c.rendered) {
		c.releaseWorker(done)
		return OutOfRange
	}
	if !c.rendered[done.Index] {
		c.release(done.Index)
	}
	c.releaseWorker(done)
	return Accepted
}

// CompleteAnimation stores the animation for generation. It reports false
// when the generation has been superseded.
func (c *Coordinator) CompleteAnimation(generation uint64, image []byte) bool {
	if generation != c.generation || !c.animationRequested {
		c.logger.Debug("discarding stale animation", "generation", generation, "current", c.generation)
		return false
	}
	c.animation = image
	c.logger.Info("animation ready", "generation", generation, "bytes", len(image))
	return true
}

// Animation returns the current job's animation once it is ready.
func (c *Coordinator) Animation() ([]byte, bool) {
	return c.animation, c.animation != nil
}

// Forget drops the in-flight record of a killed worker. Its frame stays
// dispatched and is not reassigned.
func (c *Coordinator) Forget(id string) {
	if a, ok := c.inflight[id]; ok {
		c.logger.Info("worker removed mid-render, frame abandoned", "worker_id", id,
			"generation", a.Generation, "index", a.Index)
		delete(c.inflight, id)
	}
}

// Status returns a snapshot of job progress.
func (c *Coordinator) Status() Status {
	s := Status{
		Generation:         c.generation,
		Job:                c.job,
		Active:             c.active,
		Remaining:          c.remaining,
		AnimationRequested: c.animationRequested,
		AnimationReady:     c.animation != nil,
	}
	for i := range c.dispatched {
		if c.dispatched[i] {
			s.Dispatched++
		}
		if c.rendered[i] {
			s.Rendered++
		}
	}
	return s
}

func (c *Coordinator) nextIndex() (int, bool) {
	for c.cursor < len(c.dispatched) && c.dispatched[c.cursor] {
		c.cursor++
	}
	if c.cursor >= len(c.dispatched) {
		return 0, false
	}
	return c.cursor, true
}

func (c *Coordinator) release(index int) {
	c.dispatched[index] = false
	if index < c.cursor {
		c.cursor = index
	}
}

// releaseWorker returns the worker of done to Ready when it is still
// registered and working on exactly that assignment, then offers it work.
func (c *Coordinator) releaseWorker(done Completion) {
	if !c.holds(done) {
		return
	}
	delete(c.inflight, done.WorkerID)
	if c.setReady(done.WorkerID) {
		c.WorkerReady(done.WorkerID)
	}
}

// holds reports whether the worker of done is in flight on exactly that
// assignment.
func (c *Coordinator) holds(done Completion) bool {
	a, ok := c.inflight[done.WorkerID]
	return ok && a.Generation == done.Generation && a.Index == done.Index
}

func (c *Coordinator) setReady(id string) bool {
	err := c.registry.Transition(id, schema.WorkerReady)
	switch {
	case err == nil:
		return true
	case errors.Is(err, process.ErrUnknownWorker):
		return false
	default:
		c.logger.Warn("release worker rejected", "worker_id", id, "err", err)
		return false
	}
}

func (c *Coordinator) maybeRequestAnimation() {
	if !c.active || c.remaining > 0 || c.animationRequested {
		return
	}
	c.animationRequested = true
	c.logger.Info("all frames rendered, requesting animation", "generation", c.generation)
	c.animator.RequestAnimation(c.generation, c.job)
}
