// internal/img/animation.go
package img

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"sort"
)

// frameDelay is the per-frame delay in 100ths of a second.
const frameDelay = 10

// Animation collects full-resolution frames of one job by index.
type Animation struct {
	total  int
	frames map[int]image.Image
}

// NewAnimation returns an empty collector for a job of total frames.
func NewAnimation(total int) *Animation {
	return &Animation{total: total, frames: make(map[int]image.Image, total)}
}

// Put stores the decoded frame at index.
func (a *Animation) Put(index int, src image.Image) error {
	if index < 0 || index >= a.total {
		return fmt.Errorf("put frame %d: outside job of %d frames", index, a.total)
	}
	a.frames[index] = src
	return nil
}

// Len returns how many frames have been added.
func (a *Animation) Len() int { return len(a.frames) }

// Frames returns the collected frames ordered by index.
func (a *Animation) Frames() []image.Image {
	idx := make([]int, 0, len(a.frames))
	for i := range a.frames {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]image.Image, 0, len(idx))
	for _, i := range idx {
		out = append(out, a.frames[i])
	}
	return out
}

// EncodeAnimation assembles frames, in order, into a GIF that loops forever.
func EncodeAnimation(frames []image.Image) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("encode animation: no frames")
	}

	anim := &gif.GIF{LoopCount: 0}
	for _, f := range frames {
		b := f.Bounds()
		p := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette.Plan9)
		draw.FloydSteinberg.Draw(p, p.Bounds(), f, b.Min)
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, frameDelay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("encode animation: %w", err)
	}
	return buf.Bytes(), nil
}
