package main

import (
	"bytes"
	"image/gif"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

func TestRenderLocalWritesFramesAndAnimation(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	timeout = time.Minute
	outDir = t.TempDir()
	job = schema.Job{Width: 120, Height: 60, TotalFrames: 3, SamplesPerPixel: 2}

	if err := renderLocal(nil, nil); err != nil {
		t.Fatalf("renderLocal returned error: %v", err)
	}

	for _, name := range []string{"frame_000.png", "frame_001.png", "frame_002.png"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		frame, err := img.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if b := frame.Bounds(); b.Dx() > img.DefaultThumbMaxPx || b.Dy() > img.DefaultThumbMaxPx {
			t.Fatalf("%s not thumbnailed: %dx%d", name, b.Dx(), b.Dy())
		}
	}

	data, err := os.ReadFile(filepath.Join(outDir, "animation.gif"))
	if err != nil {
		t.Fatalf("read animation: %v", err)
	}
	anim, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode animation: %v", err)
	}
	if len(anim.Image) != 3 {
		t.Fatalf("unexpected frame count: got %d want 3", len(anim.Image))
	}
}

func TestRenderLocalRejectsInvalidJob(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	job = schema.Job{Width: 24, Height: 12, TotalFrames: 0, SamplesPerPixel: 2}

	if err := renderLocal(nil, nil); err == nil {
		t.Fatal("expected error for job without frames")
	}
}

func TestEventLogging(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewTextHandler(&buf, nil))

	logJobEvent(schema.JobLifecycleEvent{Generation: 3, Stage: schema.StageRendering, Rendered: 2, Total: 5})
	logJobEvent(schema.JobLifecycleEvent{Generation: 3, Stage: schema.StageAnimating, Error: "encode failed"})
	frame := 1
	logRegistryEvent(schema.RegistryChanged{Processes: map[string]schema.ProcessInfo{
		"a": {State: schema.WorkerReady},
		"b": {State: schema.WorkerWorking, Frame: &frame},
		"c": {State: schema.WorkerReady},
	}})

	out := buf.String()
	for _, want := range []string{
		"generation=3 stage=rendering done=2/5",
		"level=WARN msg=job generation=3 stage=animating",
		`error="encode failed"`,
		"msg=workers count=3 ready=2 working=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}
