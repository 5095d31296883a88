package img

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Renderer produces the image for one frame of a job. Workers select an
// implementation by name.
type Renderer interface {
	// Render draws frame req.Index of req.Job.
	Render(ctx context.Context, req schema.RenderRequest) (image.Image, error)

	// Name returns the renderer name for logging
	Name() string
}

// GetRenderer returns the renderer registered under name.
func GetRenderer(name string) (Renderer, error) {
	switch strings.ToLower(name) {
	case "", "pattern":
		return &PatternRenderer{}, nil
	default:
		return nil, fmt.Errorf("unsupported renderer: %s (supported: pattern)", name)
	}
}

// PatternRenderer draws a deterministic test card whose gradient follows the
// frame's pan offset, so consecutive frames animate.
type PatternRenderer struct{}

func (r *PatternRenderer) Name() string { return "pattern" }

func (r *PatternRenderer) Render(ctx context.Context, req schema.RenderRequest) (image.Image, error) {
	w, h := req.Job.Width, req.Job.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: invalid size %dx%d", w, h)
	}

	dst := imaging.New(w, h, color.NRGBA{A: 255})
	shift := float64(req.Pan+5) / 10
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("render: %w", err)
			}
		}
		for x := 0; x < w; x++ {
			u := float64(x)/float64(w) + shift
			v := float64(y) / float64(h)
			dst.SetNRGBA(x, y, color.NRGBA{
				R: channel(u),
				G: channel(v),
				B: channel(1 - u*v),
				A: 255,
			})
		}
	}

	// More samples give a softer image, standing in for noise reduction.
	if req.Job.SamplesPerPixel > 1 {
		dst = imaging.Blur(dst, math.Log2(float64(req.Job.SamplesPerPixel))/4)
	}
	return dst, nil
}

func channel(f float64) uint8 {
	f = f - math.Floor(f)
	return uint8(255 * f)
}
