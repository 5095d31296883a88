package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

type published struct {
	subject string
	value   any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	sent chan published
	err  error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan published, 16)}
}

func (p *fakePublisher) Publish(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	msg := published{subject: subject, value: v}
	p.msgs = append(p.msgs, msg)
	p.sent <- msg
	return nil
}

func (p *fakePublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case msg := <-p.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

type failingRenderer struct{}

func (failingRenderer) Name() string { return "failing" }

func (failingRenderer) Render(context.Context, schema.RenderRequest) (image.Image, error) {
	return nil, errors.New("out of samples")
}

func smallJob() schema.Job {
	return schema.Job{Width: 16, Height: 9, TotalFrames: 3, SamplesPerPixel: 1}
}

func TestRenderPublishesPNG(t *testing.T) {
	pub := newFakePublisher()
	w := New("w1", &img.PatternRenderer{}, pub, bus.NewSubjects(""), nil)

	res := w.Render(context.Background(), schema.RenderRequest{WorkerID: "w1", Generation: 2, Index: 1, Job: smallJob()})
	require.Empty(t, res.Error)
	require.Equal(t, uint64(2), res.Generation)

	msg := pub.next(t)
	require.Equal(t, "render.results", msg.subject)
	got := msg.value.(schema.RenderResult)
	require.Equal(t, 1, got.Index)

	frame, err := img.Decode(got.Image)
	require.NoError(t, err)
	require.Equal(t, 16, frame.Bounds().Dx())
	require.Equal(t, 9, frame.Bounds().Dy())
}

func TestRenderReportsFailures(t *testing.T) {
	tests := []struct {
		name     string
		renderer img.Renderer
		req      schema.RenderRequest
	}{
		{"renderer error", failingRenderer{}, schema.RenderRequest{WorkerID: "w1", Index: 0, Job: smallJob()}},
		{"index out of range", &img.PatternRenderer{}, schema.RenderRequest{WorkerID: "w1", Index: 3, Job: smallJob()}},
		{"invalid job", &img.PatternRenderer{}, schema.RenderRequest{WorkerID: "w1", Index: 0, Job: schema.Job{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newFakePublisher()
			w := New("w1", tt.renderer, pub, bus.NewSubjects(""), nil)
			res := w.Render(context.Background(), tt.req)
			require.NotEmpty(t, res.Error)
			require.Nil(t, res.Image)
			require.Equal(t, res, pub.next(t).value)
		})
	}
}

func TestEnqueueRejectsOtherWorkers(t *testing.T) {
	w := New("w1", &img.PatternRenderer{}, newFakePublisher(), bus.NewSubjects(""), nil)
	require.False(t, w.Enqueue(schema.RenderRequest{WorkerID: "w2"}))
	require.True(t, w.Enqueue(schema.RenderRequest{WorkerID: "w1"}))
}

func TestRunAnnouncesRendersAndRetires(t *testing.T) {
	pub := newFakePublisher()
	w := New("w1", &img.PatternRenderer{}, pub, bus.NewSubjects("farm"), nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	hello := pub.next(t)
	require.Equal(t, "farm.workers.ready", hello.subject)
	require.Equal(t, "w1", hello.value.(schema.WorkerHello).WorkerID)

	require.True(t, w.Enqueue(schema.RenderRequest{WorkerID: "w1", Generation: 1, Index: 0, Job: smallJob()}))
	result := pub.next(t)
	require.Equal(t, "farm.results", result.subject)

	w.Retire()
	w.Retire()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after retire")
	}
}

func TestRunFailsWhenAnnounceFails(t *testing.T) {
	pub := newFakePublisher()
	pub.err = errors.New("no connection")
	w := New("w1", &img.PatternRenderer{}, pub, bus.NewSubjects(""), nil)
	require.ErrorContains(t, w.Run(context.Background()), "announce")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w := New("w1", &img.PatternRenderer{}, newFakePublisher(), bus.NewSubjects(""), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
}
