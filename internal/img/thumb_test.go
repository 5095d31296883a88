package img

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

func TestThumbnailFitsInsideBox(t *testing.T) {
	src := createTestPNG(t, 400, 200)

	thumb, err := Thumbnail(src, 50)
	if err != nil {
		t.Fatalf("Thumbnail returned error: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("thumbnail is not a png: %v", err)
	}
	if cfg.Width != 50 || cfg.Height != 25 {
		t.Fatalf("unexpected thumbnail size: got %dx%d, want 50x25", cfg.Width, cfg.Height)
	}
}

func TestThumbnailDoesNotUpscale(t *testing.T) {
	thumb, err := Thumbnail(createTestPNG(t, 20, 10), 50)
	if err != nil {
		t.Fatalf("Thumbnail returned error: %v", err)
	}
	cfg, _ := png.DecodeConfig(bytes.NewReader(thumb))
	if cfg.Width != 20 || cfg.Height != 10 {
		t.Fatalf("small image resized: got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 50)
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := Thumbnail(createTestPNG(t, 4, 4), 0); err == nil {
		t.Fatal("expected error for zero box")
	}
}

func TestSaveFrameCreatesOutput(t *testing.T) {
	tmp := t.TempDir()
	dst := filepath.Join(tmp, "nested", "frame-000.png")

	w, h, err := SaveFrame(createTestPNG(t, 30, 20), dst)
	if err != nil {
		t.Fatalf("SaveFrame returned error: %v", err)
	}
	if w != 30 || h != 20 {
		t.Fatalf("unexpected size: got %dx%d", w, h)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("frame file not created: %v", err)
	}
}

func TestEncodeAnimationOrdersFrames(t *testing.T) {
	anim := NewAnimation(3)
	for _, i := range []int{2, 0, 1} {
		if err := anim.Put(i, image.NewNRGBA(image.Rect(0, 0, 10+i, 8))); err != nil {
			t.Fatalf("put frame %d: %v", i, err)
		}
	}
	if err := anim.Put(3, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err == nil {
		t.Fatal("expected error for frame outside job")
	}

	data, err := EncodeAnimation(anim.Frames())
	if err != nil {
		t.Fatalf("EncodeAnimation returned error: %v", err)
	}
	decoded, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode gif: %v", err)
	}
	if len(decoded.Image) != 3 {
		t.Fatalf("unexpected frame count: %d", len(decoded.Image))
	}
	for i, frame := range decoded.Image {
		if got := frame.Bounds().Dx(); got != 10+i {
			t.Fatalf("frame %d out of order: width %d", i, got)
		}
	}
	if decoded.LoopCount != 0 {
		t.Fatalf("animation should loop forever, got loop count %d", decoded.LoopCount)
	}
}

func TestEncodeAnimationNeedsFrames(t *testing.T) {
	if _, err := EncodeAnimation(nil); err == nil {
		t.Fatal("expected error for empty animation")
	}
}

func TestPatternRendererProducesJobSize(t *testing.T) {
	r, err := GetRenderer("pattern")
	if err != nil {
		t.Fatalf("GetRenderer: %v", err)
	}
	req := schema.RenderRequest{Index: 1, Job: schema.Job{Width: 32, Height: 18, TotalFrames: 4, SamplesPerPixel: 4}, Pan: schema.PanOffset(1, 4)}
	out, err := r.Render(context.Background(), req)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 32 || b.Dy() != 18 {
		t.Fatalf("unexpected render size: %v", b)
	}

	if _, err := GetRenderer("raytracer"); err == nil {
		t.Fatal("expected error for unknown renderer")
	}
}

func TestPatternRendererHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&PatternRenderer{}).Render(ctx, schema.RenderRequest{Job: schema.Job{Width: 8, Height: 8}})
	if err == nil {
		t.Fatal("expected error from cancelled render")
	}
}

func createTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
