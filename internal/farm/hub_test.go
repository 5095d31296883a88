package farm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/framestore"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/protocol"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

const waitFor = 3 * time.Second

type fakeSpawner struct {
	mu      sync.Mutex
	fail    error
	retired []string
	// hold, when set, delays every spawn until it is closed.
	hold chan struct{}
}

func (s *fakeSpawner) Spawn(ctx context.Context, id string) error {
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *fakeSpawner) Retire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = append(s.retired, id)
	return nil
}

func (s *fakeSpawner) Retired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.retired...)
}

// fakeWorkers captures frame requests published to workers.
type fakeWorkers struct {
	requests chan schema.RenderRequest
}

func (w *fakeWorkers) Publish(subject string, v any) error {
	if req, ok := v.(schema.RenderRequest); ok {
		w.requests <- req
	}
	return nil
}

func (w *fakeWorkers) next(t *testing.T) schema.RenderRequest {
	t.Helper()
	select {
	case req := <-w.requests:
		return req
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame request")
		return schema.RenderRequest{}
	}
}

func (w *fakeWorkers) none(t *testing.T) {
	t.Helper()
	select {
	case req := <-w.requests:
		t.Fatalf("unexpected frame request: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	stages []schema.JobStage
}

func (e *recordingEvents) PublishJSON(subject string, v any) error {
	if evt, ok := v.(schema.JobLifecycleEvent); ok {
		e.mu.Lock()
		e.stages = append(e.stages, evt.Stage)
		e.mu.Unlock()
	}
	return nil
}

func (e *recordingEvents) Stages() []schema.JobStage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.JobStage(nil), e.stages...)
}

// fakeClient decodes what the hub sends it the way a real client would.
type fakeClient struct {
	mu      sync.Mutex
	decoder *protocol.Decoder
	store   *framestore.Store
	jobs    []schema.Job
	procs   []map[string]schema.ProcessInfo
	order   []protocol.Target
}

func newFakeClient() *fakeClient {
	return &fakeClient{decoder: protocol.NewDecoder(nil), store: framestore.New(0)}
}

func (c *fakeClient) Send(o protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range o.Messages() {
		res, err := c.decoder.Decode(m)
		if err != nil {
			return err
		}
		switch msg := res.Control.(type) {
		case schema.JobSnapshot:
			c.jobs = append(c.jobs, msg.Job)
			c.store.Reset(msg.Job.TotalFrames)
		case schema.ProcessesSnapshot:
			c.procs = append(c.procs, msg.Processes)
		}
		if res.Event != nil {
			c.order = append(c.order, res.Event.Target)
			if res.Event.Target.Animation {
				c.store.UpdateAnimation(res.Event.Image)
			} else {
				c.store.UpdateFrame(res.Event.Target.Index, res.Event.Image)
			}
		}
	}
	return nil
}

func (c *fakeClient) filled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Filled()
}

func (c *fakeClient) animationReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store.Animation()
	return ok
}

func (c *fakeClient) lastProcesses() map[string]schema.ProcessInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.procs) == 0 {
		return nil
	}
	return c.procs[len(c.procs)-1]
}

func (c *fakeClient) lastJob() schema.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return schema.Job{}
	}
	return c.jobs[len(c.jobs)-1]
}

func (c *fakeClient) jobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *fakeClient) targets() []protocol.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Target(nil), c.order...)
}

type harness struct {
	hub     *Hub
	spawner *fakeSpawner
	workers *fakeWorkers
	events  *recordingEvents
}

func startHub(t *testing.T, job schema.Job) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{},
		workers: &fakeWorkers{requests: make(chan schema.RenderRequest, 16)},
		events:  &recordingEvents{},
	}
	h.hub = New(Options{
		Spawner:    h.spawner,
		Publisher:  h.workers,
		Events:     h.events,
		Subjects:   bus.NewSubjects(""),
		DefaultJob: job,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	st, err := h.hub.Status(context.Background())
	require.NoError(t, err)
	return st
}

func render(t *testing.T, req schema.RenderRequest) schema.RenderResult {
	t.Helper()
	frame, err := (&img.PatternRenderer{}).Render(context.Background(), req)
	require.NoError(t, err)
	data, err := img.EncodePNG(frame)
	require.NoError(t, err)
	return schema.RenderResult{WorkerID: req.WorkerID, Generation: req.Generation, Index: req.Index, Image: data}
}

func tinyJob(frames int) schema.Job {
	return schema.Job{Width: 64, Height: 36, TotalFrames: frames, SamplesPerPixel: 1}
}

func TestRenderJobEndToEnd(t *testing.T) {
	h := startHub(t, tinyJob(3))
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	for want := 0; want < 3; want++ {
		req := h.workers.next(t)
		require.Equal(t, want, req.Index, "lowest index first")
		require.Equal(t, schema.PanOffset(want, 3), req.Pan)
		h.hub.Result(render(t, req))
	}

	require.Eventually(t, client.animationReady, waitFor, 10*time.Millisecond)
	require.Equal(t, 3, client.filled())
	require.Equal(t, []protocol.Target{
		protocol.FrameTarget(0), protocol.FrameTarget(1), protocol.FrameTarget(2), protocol.AnimationTarget(),
	}, client.targets())

	st := h.status(t)
	require.True(t, st.Job.AnimationReady)
	require.Equal(t, 3, st.Job.Rendered)
	for _, info := range st.Processes {
		require.Equal(t, schema.WorkerReady, info.State)
	}
	require.Contains(t, h.events.Stages(), schema.StageCompleted)
}

func TestThumbnailsAreBounded(t *testing.T) {
	h := startHub(t, schema.Job{Width: 320, Height: 180, TotalFrames: 1, SamplesPerPixel: 1})
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	h.hub.Result(render(t, h.workers.next(t)))
	require.Eventually(t, func() bool { return client.filled() == 1 }, waitFor, 10*time.Millisecond)

	client.mu.Lock()
	frame, _ := client.store.Frame(0)
	client.mu.Unlock()
	thumb, err := img.Decode(frame.Image)
	require.NoError(t, err)
	require.Equal(t, 50, thumb.Bounds().Dx())
	require.LessOrEqual(t, thumb.Bounds().Dy(), 50)
}

func TestKilledWorkerFrameStillCounts(t *testing.T) {
	h := startHub(t, tinyJob(3))
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	req := h.workers.next(t)
	h.hub.Command(client, schema.KillWorker{ID: req.WorkerID})
	require.Eventually(t, func() bool { return len(h.spawner.Retired()) == 1 }, waitFor, 10*time.Millisecond)
	require.Equal(t, []string{req.WorkerID}, h.spawner.Retired())

	h.hub.Result(render(t, req))
	require.Eventually(t, func() bool { return client.filled() == 1 }, waitFor, 10*time.Millisecond)

	st := h.status(t)
	require.Empty(t, st.Processes)
	require.Equal(t, 1, st.Job.Rendered)
	require.Equal(t, 1, st.Job.Dispatched, "remaining frames wait for a new worker")
	require.Empty(t, client.lastProcesses())
	h.workers.none(t)
}

func TestStaleResultReleasesWorkerForNewJob(t *testing.T) {
	h := startHub(t, tinyJob(3))
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	old := h.workers.next(t)
	require.Equal(t, uint64(1), old.Generation)

	h.hub.Command(client, schema.SubmitJob{Job: tinyJob(2)})
	h.workers.none(t)

	h.hub.Result(render(t, old))
	req := h.workers.next(t)
	require.Equal(t, uint64(2), req.Generation)
	require.Equal(t, 0, req.Index)

	st := h.status(t)
	require.Equal(t, 0, st.Job.Rendered)
	require.Equal(t, 0, client.filled())
	require.Equal(t, 2, client.lastJob().TotalFrames)
}

func TestFailedRenderIsRedispatched(t *testing.T) {
	h := startHub(t, tinyJob(2))
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	req := h.workers.next(t)
	h.hub.Result(schema.RenderResult{WorkerID: req.WorkerID, Generation: req.Generation, Index: req.Index, Error: "gpu fault"})

	retry := h.workers.next(t)
	require.Equal(t, req.Index, retry.Index)
	require.Equal(t, req.WorkerID, retry.WorkerID)
}

func TestSpawnFailureMarksWorkerError(t *testing.T) {
	h := startHub(t, tinyJob(2))
	h.spawner.fail = errors.New("worker binary not found")
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	require.Eventually(t, func() bool {
		for _, info := range client.lastProcesses() {
			return info.State == schema.WorkerError
		}
		return false
	}, waitFor, 10*time.Millisecond)

	for _, info := range client.lastProcesses() {
		require.Equal(t, "worker binary not found", info.Error)
	}
	h.workers.none(t)
}

func TestRejectedJobKeepsClientFrames(t *testing.T) {
	h := startHub(t, tinyJob(2))
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})
	for i := 0; i < 2; i++ {
		h.hub.Result(render(t, h.workers.next(t)))
	}
	require.Eventually(t, client.animationReady, waitFor, 10*time.Millisecond)

	rejected := []schema.Job{
		{Width: 10, Height: 10, TotalFrames: 0, SamplesPerPixel: 1},
		{Width: 10, Height: 10, TotalFrames: 1 << 62, SamplesPerPixel: 1},
		{Width: 1 << 40, Height: 10, TotalFrames: 2, SamplesPerPixel: 1},
	}
	for _, job := range rejected {
		h.hub.Command(client, schema.SubmitJob{Job: job})
	}

	st := h.status(t)
	require.Equal(t, uint64(1), st.Job.Generation)
	require.True(t, st.Job.AnimationReady)
	require.Equal(t, 2, client.filled())
	require.True(t, client.animationReady())
	require.Equal(t, 1, client.jobCount(), "no job snapshot for a rejected job")
	require.Equal(t, tinyJob(2), client.lastJob())
	require.Equal(t, 3.0, testutil.ToFloat64(h.hub.metrics.ProtocolViolations.WithLabelValues("invalid_job")))
	h.workers.none(t)
}

func TestSpawnSucceedingAfterKillRetiresWorker(t *testing.T) {
	h := startHub(t, tinyJob(2))
	h.spawner.hold = make(chan struct{})
	client := newFakeClient()
	h.hub.Join(client)
	h.hub.Command(client, schema.AddWorker{})

	var id string
	require.Eventually(t, func() bool {
		for wid := range client.lastProcesses() {
			id = wid
			return true
		}
		return false
	}, waitFor, 10*time.Millisecond)
	h.hub.Command(client, schema.KillWorker{ID: id})
	close(h.spawner.hold)

	require.Eventually(t, func() bool { return len(h.spawner.Retired()) == 1 }, waitFor, 10*time.Millisecond)
	require.Equal(t, []string{id}, h.spawner.Retired())
	require.Empty(t, h.status(t).Processes)
	h.workers.none(t)
}

func TestLateClientCatchesUp(t *testing.T) {
	h := startHub(t, tinyJob(2))
	first := newFakeClient()
	h.hub.Join(first)
	h.hub.Command(first, schema.AddWorker{})
	h.hub.Command(first, schema.AddWorker{})

	a := h.workers.next(t)
	b := h.workers.next(t)
	// Complete out of index order; late clients see completion order.
	h.hub.Result(render(t, b))
	h.hub.Result(render(t, a))
	require.Eventually(t, first.animationReady, waitFor, 10*time.Millisecond)

	late := newFakeClient()
	h.hub.Join(late)
	require.Eventually(t, late.animationReady, waitFor, 10*time.Millisecond)
	require.Equal(t, []protocol.Target{
		protocol.FrameTarget(b.Index), protocol.FrameTarget(a.Index), protocol.AnimationTarget(),
	}, late.targets())
	require.Len(t, late.lastProcesses(), 2)
}
