// Package client connects to a render farm, issues commands and rebuilds
// the active job's frames and animation from the server stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tendant/simple-renderfarm/internal/framestore"
	"github.com/tendant/simple-renderfarm/internal/protocol"
	"github.com/tendant/simple-renderfarm/internal/transport"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// UpdateKind says what changed in the client's view.
type UpdateKind string

const (
	UpdateJob       UpdateKind = "job"
	UpdateProcesses UpdateKind = "processes"
	UpdateFrame     UpdateKind = "frame"
	UpdateAnimation UpdateKind = "animation"
)

// Update describes one applied server message.
type Update struct {
	Kind  UpdateKind
	Index int
}

type Options struct {
	Logger   *slog.Logger
	QueueLen int
	// OnUpdate is called on the read goroutine after each applied message.
	OnUpdate func(Update, View)
	// OnViolation is called for each header/payload pairing violation.
	OnViolation func(reason string)
}

// View is a copy of the client's state.
type View struct {
	Fields    []schema.JobField
	Job       schema.Job
	Processes map[string]schema.ProcessInfo
	Filled    int
	Total     int
	Animation bool
	// Synced is set once both the job and the worker list have arrived.
	Synced bool
}

// ErrDisconnected is returned by Wait when the connection ends first.
var ErrDisconnected = errors.New("disconnected from farm")

type Client struct {
	conn   *transport.Conn
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	decoder   *protocol.Decoder
	store     *framestore.Store
	fields    []schema.JobField
	job       schema.Job
	processes map[string]schema.ProcessInfo
	gotJob    bool
	gotProcs  bool
	changed   chan struct{}
}

// Dial connects to the farm websocket at url. Call Run to start receiving.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	c := newClient(opts)
	conn, err := transport.Dial(ctx, url, transport.Options{QueueLen: opts.QueueLen, Logger: c.logger})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func newClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:      opts,
		logger:    logger,
		decoder:   protocol.NewDecoder(logger),
		store:     framestore.New(0),
		processes: map[string]schema.ProcessInfo{},
		changed:   make(chan struct{}),
	}
	if opts.OnViolation != nil {
		c.decoder.OnViolation(opts.OnViolation)
	}
	return c
}

// Run receives server messages until the connection ends.
func (c *Client) Run() error {
	return c.conn.Run(c.handle)
}

// Close disconnects from the farm.
func (c *Client) Close() { c.conn.Close() }

func (c *Client) AddWorker() error { return c.send(schema.AddWorker{}) }

func (c *Client) KillWorker(id string) error { return c.send(schema.KillWorker{ID: id}) }

// SubmitJob replaces the farm's active job.
func (c *Client) SubmitJob(job schema.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return c.send(schema.SubmitJob{Job: job})
}

func (c *Client) send(m schema.ClientMessage) error {
	text, err := schema.EncodeClientMessage(m)
	if err != nil {
		return err
	}
	if err := c.conn.Send(protocol.Outbound{Text: text}); err != nil {
		return fmt.Errorf("send %T: %w", m, err)
	}
	return nil
}

func (c *Client) handle(m protocol.Message) {
	c.mu.Lock()
	res, err := c.decoder.Decode(m)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("bad server message", "err", err)
		return
	}

	var u Update
	switch msg := res.Control.(type) {
	case schema.JobSnapshot:
		c.fields = msg.Fields
		c.job = msg.Job
		c.store.Reset(msg.Job.TotalFrames)
		c.gotJob = true
		u = Update{Kind: UpdateJob}
	case schema.ProcessesSnapshot:
		c.processes = msg.Processes
		c.gotProcs = true
		u = Update{Kind: UpdateProcesses}
	}
	if ev := res.Event; ev != nil {
		if ev.Target.Animation {
			c.store.UpdateAnimation(ev.Image)
			u = Update{Kind: UpdateAnimation}
		} else {
			if !c.store.UpdateFrame(ev.Target.Index, ev.Image) {
				c.logger.Debug("frame outside job ignored", "index", ev.Target.Index, "total", c.store.Len())
			}
			u = Update{Kind: UpdateFrame, Index: ev.Target.Index}
		}
	}
	if u.Kind == "" {
		c.mu.Unlock()
		return
	}

	close(c.changed)
	c.changed = make(chan struct{})
	view := c.viewLocked()
	c.mu.Unlock()

	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(u, view)
	}
}

// View returns the client's current state.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Client) viewLocked() View {
	procs := make(map[string]schema.ProcessInfo, len(c.processes))
	for id, info := range c.processes {
		procs[id] = info
	}
	_, ready := c.store.Animation()
	return View{
		Fields:    append([]schema.JobField(nil), c.fields...),
		Job:       c.job,
		Processes: procs,
		Filled:    c.store.Filled(),
		Total:     c.store.Len(),
		Animation: ready,
		Synced:    c.gotJob && c.gotProcs,
	}
}

// Frames returns every frame slot of the active job.
func (c *Client) Frames() []framestore.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Frames()
}

// Animation returns the animation once it has arrived.
func (c *Client) Animation() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Animation()
}

// Violations returns how many pairing violations the decoder has seen.
func (c *Client) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decoder.Violations()
}

// Wait blocks until cond holds for the client's view or ctx is done.
func (c *Client) Wait(ctx context.Context, cond func(View) bool) (View, error) {
	var closed <-chan struct{}
	if c.conn != nil {
		closed = c.conn.Done()
	}
	for {
		c.mu.Lock()
		view := c.viewLocked()
		changed := c.changed
		c.mu.Unlock()

		if cond(view) {
			return view, nil
		}
		select {
		case <-changed:
		case <-closed:
			return view, ErrDisconnected
		case <-ctx.Done():
			return view, ctx.Err()
		}
	}
}

// WaitAnimation blocks until the animation of the active job arrives.
func (c *Client) WaitAnimation(ctx context.Context) ([]byte, error) {
	if _, err := c.Wait(ctx, func(v View) bool { return v.Animation }); err != nil {
		return nil, fmt.Errorf("wait animation: %w", err)
	}
	gif, _ := c.Animation()
	return gif, nil
}
