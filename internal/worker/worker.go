// internal/worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Worker renders the frames the farm assigns to it, one at a time.
type Worker struct {
	ID string

	renderer img.Renderer
	pub      bus.Publisher
	subjects bus.Subjects
	logger   *slog.Logger

	requests   chan schema.RenderRequest
	retire     chan struct{}
	retireOnce sync.Once
}

func New(id string, renderer img.Renderer, pub bus.Publisher, subjects bus.Subjects, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:       id,
		renderer: renderer,
		pub:      pub,
		subjects: subjects,
		logger:   logger.With("worker_id", id, "renderer", renderer.Name()),
		requests: make(chan schema.RenderRequest, 4),
		retire:   make(chan struct{}),
	}
}

// Enqueue queues req for rendering. Requests addressed to another worker or
// arriving while the queue is full are dropped.
func (w *Worker) Enqueue(req schema.RenderRequest) bool {
	if req.WorkerID != w.ID {
		w.logger.Warn("dropping request for another worker", "target", req.WorkerID, "frame", req.Index)
		return false
	}
	select {
	case w.requests <- req:
		return true
	default:
		w.logger.Warn("request queue full, dropping", "frame", req.Index, "generation", req.Generation)
		return false
	}
}

// Retire makes Run return once the frame being rendered, if any, is published.
func (w *Worker) Retire() {
	w.retireOnce.Do(func() { close(w.retire) })
}

// Announce tells the farm this worker can accept frames.
func (w *Worker) Announce() error {
	host, _ := os.Hostname()
	if err := w.pub.Publish(w.subjects.Ready(), schema.WorkerHello{WorkerID: w.ID, Host: host}); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Run announces the worker and renders queued requests until ctx is done or
// the worker is retired.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Announce(); err != nil {
		return err
	}
	w.logger.Info("worker ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.retire:
			w.logger.Info("worker retired")
			return nil
		case req := <-w.requests:
			select {
			case <-w.retire:
				w.logger.Info("worker retired, skipping queued frame", "frame", req.Index)
				return nil
			default:
			}
			w.Render(ctx, req)
		}
	}
}

// Render draws req and publishes the result, successful or not.
func (w *Worker) Render(ctx context.Context, req schema.RenderRequest) schema.RenderResult {
	logger := w.logger.With("frame", req.Index, "generation", req.Generation)
	start := time.Now()

	result := schema.RenderResult{
		WorkerID:   w.ID,
		Generation: req.Generation,
		Index:      req.Index,
	}

	data, err := w.draw(ctx, req)
	result.RenderMs = time.Since(start).Milliseconds()
	if err != nil {
		logger.Error("render failed", "err", err)
		result.Error = err.Error()
	} else {
		result.Image = data
		logger.Info("rendered frame", "bytes", len(data), "render_ms", result.RenderMs)
	}

	if err := w.pub.Publish(w.subjects.Results(), result); err != nil {
		logger.Error("publish result failed", "err", err)
	}
	return result
}

func (w *Worker) draw(ctx context.Context, req schema.RenderRequest) ([]byte, error) {
	if err := req.Job.Validate(); err != nil {
		return nil, err
	}
	if req.Index < 0 || req.Index >= req.Job.TotalFrames {
		return nil, fmt.Errorf("frame %d out of range (total %d)", req.Index, req.Job.TotalFrames)
	}
	frame, err := w.renderer.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	return img.EncodePNG(frame)
}

// Serve subscribes w to its frame and control subjects on c and runs it.
func Serve(ctx context.Context, c *bus.Client, w *Worker) error {
	onError := func(err error) { w.logger.Warn("bad message", "err", err) }

	frames, err := bus.Subscribe(c, w.subjects.Frames(w.ID), func(_ context.Context, req schema.RenderRequest) {
		w.Enqueue(req)
	}, onError)
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	defer func() { _ = frames.Unsubscribe() }()

	control, err := bus.Subscribe(c, w.subjects.Control(w.ID), func(_ context.Context, msg schema.Retire) {
		w.Retire()
	}, onError)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	defer func() { _ = control.Unsubscribe() }()

	// Subscriptions must reach the server before the hello does.
	if err := c.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	return w.Run(ctx)
}
