// Package farm runs the render farm: a single goroutine that owns the worker
// registry, the job coordinator and the frames already rendered, fed by
// connected clients, spawners and worker results.
package farm

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/coordinator"
	"github.com/tendant/simple-renderfarm/internal/framestore"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/metrics"
	"github.com/tendant/simple-renderfarm/internal/process"
	"github.com/tendant/simple-renderfarm/internal/protocol"
	"github.com/tendant/simple-renderfarm/internal/spawn"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Client is a connected controlling client.
type Client interface {
	Send(o protocol.Outbound) error
}

// EventPublisher publishes JSON events for external observers.
type EventPublisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	Spawner    spawn.Spawner
	Publisher  bus.Publisher
	Events     EventPublisher
	Subjects   bus.Subjects
	Metrics    *metrics.Metrics
	ThumbMaxPx int
	DefaultJob schema.Job
	Logger     *slog.Logger
}

// Status is a point-in-time view of the farm.
type Status struct {
	Job       coordinator.Status            `json:"job"`
	Processes map[string]schema.ProcessInfo `json:"processes"`
	Clients   int                           `json:"clients"`
}

// ErrStopped is returned by queries made after Run has returned.
var ErrStopped = errors.New("farm hub stopped")

type command struct {
	client Client
	msg    schema.ClientMessage
}

type spawnResult struct {
	id  string
	err error
}

type frameResult struct {
	schema.RenderResult
	full  image.Image
	thumb []byte
	err   error
}

type animationResult struct {
	generation uint64
	data       []byte
	err        error
}

// Hub serialises every input to the farm onto one goroutine. Only Run's
// goroutine touches the registry, coordinator and frame stores.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *process.Registry
	coord    *coordinator.Coordinator

	// thumbs replays rendered frames to clients that join late; frames holds
	// full-resolution images for the animation.
	thumbs *framestore.Store
	frames *img.Animation

	clients  map[Client]struct{}
	spawning map[string]context.CancelFunc
	ctx      context.Context

	// totalFrames mirrors the current job size for connection setup outside Run.
	totalFrames atomic.Int64

	joinC      chan Client
	leaveC     chan Client
	commandC   chan command
	spawnedC   chan spawnResult
	resultC    chan frameResult
	animationC chan animationResult
	statusC    chan chan Status
	stop       chan struct{}
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.ThumbMaxPx <= 0 {
		opts.ThumbMaxPx = img.DefaultThumbMaxPx
	}
	if opts.DefaultJob == (schema.Job{}) {
		opts.DefaultJob = schema.DefaultJob()
	}

	h := &Hub{
		opts:       opts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		registry:   process.NewRegistry(),
		thumbs:     framestore.New(0),
		frames:     img.NewAnimation(0),
		clients:    make(map[Client]struct{}),
		spawning:   make(map[string]context.CancelFunc),
		joinC:      make(chan Client),
		leaveC:     make(chan Client),
		commandC:   make(chan command),
		spawnedC:   make(chan spawnResult),
		resultC:    make(chan frameResult),
		animationC: make(chan animationResult),
		statusC:    make(chan chan Status),
		stop:       make(chan struct{}),
	}
	h.coord = coordinator.New(h.registry, h, h, opts.Logger)
	h.coord.OnAssign(func(coordinator.Assignment) { h.metrics.FramesDispatched.Inc() })
	h.registry.OnChange(h.registryChanged)
	return h
}

// Run processes hub inputs until ctx is done. The default job is active from
// the start.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.stop)

	h.submit(h.opts.DefaultJob)
	h.logger.Info("farm hub running")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("farm hub stopping", "workers", h.registry.Len(), "clients", len(h.clients))
			return ctx.Err()
		case c := <-h.joinC:
			h.join(c)
		case c := <-h.leaveC:
			h.leave(c)
		case cmd := <-h.commandC:
			h.handleCommand(cmd)
		case res := <-h.spawnedC:
			h.handleSpawned(res)
		case res := <-h.resultC:
			h.handleResult(res)
		case res := <-h.animationC:
			h.handleAnimation(res)
		case reply := <-h.statusC:
			reply <- h.status()
		}
	}
}

// Join registers c and replays the current state to it.
func (h *Hub) Join(c Client) {
	select {
	case h.joinC <- c:
	case <-h.stop:
	}
}

// Leave unregisters c.
func (h *Hub) Leave(c Client) {
	select {
	case h.leaveC <- c:
	case <-h.stop:
	}
}

// Command hands a message received from c to the hub.
func (h *Hub) Command(c Client, m schema.ClientMessage) {
	select {
	case h.commandC <- command{client: c, msg: m}:
	case <-h.stop:
	}
}

// Result hands a worker's render result to the hub. Decoding and
// thumbnailing happen on the caller's goroutine.
func (h *Hub) Result(r schema.RenderResult) {
	res := frameResult{RenderResult: r}
	if r.Error == "" {
		res.full, res.err = img.Decode(r.Image)
		if res.err == nil {
			res.thumb, res.err = img.ThumbnailImage(res.full, h.opts.ThumbMaxPx)
		}
	}
	select {
	case h.resultC <- res:
	case <-h.stop:
	}
}

// Status returns a snapshot of the farm.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case h.statusC <- reply:
	case <-h.stop:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return <-reply, nil
}

func (h *Hub) join(c Client) {
	h.clients[c] = struct{}{}
	h.metrics.ClientsConnected.Set(float64(len(h.clients)))
	h.logger.Info("client joined", "clients", len(h.clients))

	h.sendControl(c, h.jobSnapshot())
	h.sendControl(c, schema.ProcessesSnapshot{Processes: h.registry.Snapshot().Processes()})
	for _, f := range h.thumbs.Arrived() {
		h.sendFrame(c, f.Index, f.Image)
	}
	if gif, ok := h.thumbs.Animation(); ok {
		h.sendAnimation(c, gif)
	}
}

func (h *Hub) leave(c Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.ClientsConnected.Set(float64(len(h.clients)))
	h.logger.Info("client left", "clients", len(h.clients))
}

func (h *Hub) handleCommand(cmd command) {
	switch m := cmd.msg.(type) {
	case schema.AddWorker:
		h.addWorker()
	case schema.KillWorker:
		h.killWorker(m.ID)
	case schema.SubmitJob:
		// A job snapshot would make the client drop its frames, so a
		// rejected job gets no reply.
		if err := m.Job.Validate(); err != nil {
			h.logger.Warn("rejecting job", "err", err)
			h.metrics.Violation("invalid_job")
			return
		}
		h.submit(m.Job)
	default:
		h.logger.Warn("unhandled client message", "type", fmt.Sprintf("%T", m))
	}
}

func (h *Hub) addWorker() {
	id := h.registry.Add()
	ctx, cancel := context.WithCancel(h.ctx)
	h.spawning[id] = cancel
	h.logger.Info("spawning worker", "worker_id", id)

	go func() {
		err := h.opts.Spawner.Spawn(ctx, id)
		select {
		case h.spawnedC <- spawnResult{id: id, err: err}:
		case <-h.stop:
		}
	}()
}

func (h *Hub) killWorker(id string) {
	w, ok := h.registry.Get(id)
	if !ok {
		h.logger.Debug("kill for unknown worker", "worker_id", id)
		return
	}
	h.registry.Kill(id)
	h.coord.Forget(id)
	h.logger.Info("worker killed", "worker_id", id, "state", w.State)

	switch w.State {
	case schema.WorkerPending:
		if cancel, ok := h.spawning[id]; ok {
			cancel()
		}
	case schema.WorkerReady, schema.WorkerWorking:
		if err := h.opts.Spawner.Retire(id); err != nil {
			h.logger.Warn("retire worker failed", "worker_id", id, "err", err)
		}
	}
}

func (h *Hub) handleSpawned(res spawnResult) {
	if cancel, ok := h.spawning[res.id]; ok {
		cancel()
		delete(h.spawning, res.id)
	}
	logger := h.logger.With("worker_id", res.id)

	if _, ok := h.registry.Get(res.id); !ok {
		// Killed while starting.
		if res.err == nil {
			if err := h.opts.Spawner.Retire(res.id); err != nil {
				logger.Warn("retire worker failed", "err", err)
			}
		}
		return
	}
	if res.err != nil {
		logger.Warn("worker failed to start", "err", res.err)
		if err := h.registry.Transition(res.id, schema.WorkerError, process.WithError(res.err)); err != nil {
			logger.Warn("mark worker failed rejected", "err", err)
		}
		return
	}
	if err := h.registry.Transition(res.id, schema.WorkerReady); err != nil {
		logger.Warn("mark worker ready rejected", "err", err)
		return
	}
	logger.Info("worker ready")
	h.coord.WorkerReady(res.id)
}

func (h *Hub) handleResult(res frameResult) {
	done := coordinator.Completion{WorkerID: res.WorkerID, Generation: res.Generation, Index: res.Index}
	if res.Error != "" || res.err != nil {
		cause := res.err
		if cause == nil {
			cause = errors.New(res.Error)
		}
		h.metrics.FramesFailed.Inc()
		h.coord.FailFrame(done, cause)
		return
	}

	if res.Generation == h.coord.Generation() {
		if err := h.frames.Put(res.Index, res.full); err != nil {
			h.logger.Warn("keep frame failed", "err", err)
		}
	}
	outcome := h.coord.CompleteFrame(done)
	h.metrics.FramesCompleted.WithLabelValues(outcome.String()).Inc()
	if outcome != coordinator.Accepted {
		return
	}

	h.thumbs.UpdateFrame(res.Index, res.thumb)
	for c := range h.clients {
		h.sendFrame(c, res.Index, res.thumb)
	}
	if st := h.coord.Status(); !st.AnimationRequested {
		h.publishJob(schema.StageRendering, "")
	}
}

// Dispatch publishes an assignment to its worker.
func (h *Hub) Dispatch(a coordinator.Assignment) error {
	return h.opts.Publisher.Publish(h.opts.Subjects.Frames(a.WorkerID), schema.RenderRequest{
		WorkerID:   a.WorkerID,
		Generation: a.Generation,
		Index:      a.Index,
		Job:        a.Job,
		Pan:        schema.PanOffset(a.Index, a.Job.TotalFrames),
	})
}

// RequestAnimation encodes the collected frames off the hub goroutine.
func (h *Hub) RequestAnimation(generation uint64, job schema.Job) {
	frames := h.frames.Frames()
	h.publishJob(schema.StageAnimating, "")
	go func() {
		start := time.Now()
		data, err := img.EncodeAnimation(frames)
		h.logger.Debug("animation encoded", "generation", generation, "frames", len(frames),
			"elapsed_ms", time.Since(start).Milliseconds(), "err", err)
		select {
		case h.animationC <- animationResult{generation: generation, data: data, err: err}:
		case <-h.stop:
		}
	}()
}

func (h *Hub) handleAnimation(res animationResult) {
	if res.err != nil {
		h.logger.Error("encode animation failed", "generation", res.generation, "err", res.err)
		if res.generation == h.coord.Generation() {
			h.publishJob(schema.StageAnimating, res.err.Error())
		}
		return
	}
	if !h.coord.CompleteAnimation(res.generation, res.data) {
		return
	}
	h.metrics.Animations.Inc()
	h.thumbs.UpdateAnimation(res.data)
	for c := range h.clients {
		h.sendAnimation(c, res.data)
	}
	h.publishJob(schema.StageCompleted, "")
}

func (h *Hub) submit(job schema.Job) {
	h.thumbs.Reset(job.TotalFrames)
	h.frames = img.NewAnimation(job.TotalFrames)
	h.totalFrames.Store(int64(job.TotalFrames))
	h.metrics.JobsSubmitted.Inc()

	// Clients reset their frame stores before any frame of the new job.
	snap := schema.JobSnapshot{Fields: schema.JobFields(), Job: job}
	for c := range h.clients {
		h.sendControl(c, snap)
	}
	h.coord.SubmitJob(job)
	h.publishJob(schema.StageSubmitted, "")
}

func (h *Hub) jobSnapshot() schema.JobSnapshot {
	return schema.JobSnapshot{Fields: schema.JobFields(), Job: h.coord.Job()}
}

func (h *Hub) registryChanged(snap process.Snapshot) {
	h.metrics.ObserveRegistry(snap)
	msg := schema.ProcessesSnapshot{Processes: snap.Processes()}
	for c := range h.clients {
		h.sendControl(c, msg)
	}
	if h.opts.Events != nil {
		evt := schema.RegistryChanged{Processes: msg.Processes, HappenedAt: time.Now().UnixMilli()}
		if err := h.opts.Events.PublishJSON(h.opts.Subjects.ProcessesEvents(), evt); err != nil {
			h.logger.Warn("publish registry event failed", "err", err)
		}
	}
}

func (h *Hub) publishJob(stage schema.JobStage, cause string) {
	if h.opts.Events == nil {
		return
	}
	st := h.coord.Status()
	evt := schema.JobLifecycleEvent{
		Generation: st.Generation,
		Job:        st.Job,
		Stage:      stage,
		Rendered:   st.Rendered,
		Total:      st.Job.TotalFrames,
		Error:      cause,
		HappenedAt: time.Now().UnixMilli(),
	}
	if err := h.opts.Events.PublishJSON(h.opts.Subjects.JobEvents(), evt); err != nil {
		h.logger.Warn("publish job event failed", "stage", stage, "err", err)
	}
}

func (h *Hub) status() Status {
	return Status{
		Job:       h.coord.Status(),
		Processes: h.registry.Snapshot().Processes(),
		Clients:   len(h.clients),
	}
}

func (h *Hub) sendControl(c Client, m schema.ServerMessage) {
	o, err := protocol.ControlOutbound(m)
	if err != nil {
		h.logger.Error("encode control message failed", "err", err)
		return
	}
	h.send(c, o)
}

func (h *Hub) sendFrame(c Client, index int, image []byte) {
	o, err := protocol.FrameOutbound(index, image)
	if err != nil {
		h.logger.Error("encode frame header failed", "index", index, "err", err)
		return
	}
	h.send(c, o)
}

func (h *Hub) sendAnimation(c Client, image []byte) {
	o, err := protocol.AnimationOutbound(image)
	if err != nil {
		h.logger.Error("encode animation header failed", "err", err)
		return
	}
	h.send(c, o)
}

// send drops clients whose connection refuses more output.
func (h *Hub) send(c Client, o protocol.Outbound) {
	if err := c.Send(o); err != nil {
		h.logger.Warn("dropping client", "err", err)
		h.leave(c)
	}
}
