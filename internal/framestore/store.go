// Package framestore accumulates the per-frame images and the animation of
// the active job as they arrive.
package framestore

// Frame is the placeholder for one frame index. Image is nil until the
// frame's bytes arrive.
type Frame struct {
	Index int
	Image []byte
}

// Store holds the frames of one job. It is not safe for concurrent use; the
// owner serialises access.
type Store struct {
	frames    []Frame
	order     []int
	animation []byte
	ready     bool
}

// New returns a store sized for totalFrames.
func New(totalFrames int) *Store {
	s := &Store{}
	s.Reset(totalFrames)
	return s
}

// Reset discards everything and creates totalFrames empty placeholders.
func (s *Store) Reset(totalFrames int) {
	if totalFrames < 0 {
		totalFrames = 0
	}
	s.frames = make([]Frame, totalFrames)
	for i := range s.frames {
		s.frames[i] = Frame{Index: i}
	}
	s.order = nil
	s.animation = nil
	s.ready = false
}

// Len returns the number of frame slots.
func (s *Store) Len() int { return len(s.frames) }

// UpdateFrame stores image for index. Indices outside the job are ignored
// and reported as false.
func (s *Store) UpdateFrame(index int, image []byte) bool {
	if index < 0 || index >= len(s.frames) {
		return false
	}
	if image == nil {
		image = []byte{}
	}
	f := s.frames[index]
	if f.Image == nil {
		s.order = append(s.order, index)
	}
	f.Image = clone(image)
	s.frames[index] = f
	return true
}

// UpdateAnimation stores the assembled animation and marks it ready.
func (s *Store) UpdateAnimation(image []byte) {
	if image == nil {
		image = []byte{}
	}
	s.animation = clone(image)
	s.ready = true
}

// Frame returns a copy of the frame at index.
func (s *Store) Frame(index int) (Frame, bool) {
	if index < 0 || index >= len(s.frames) {
		return Frame{}, false
	}
	f := s.frames[index]
	f.Image = clone(f.Image)
	return f, true
}

// Frames returns a copy of every placeholder in index order.
func (s *Store) Frames() []Frame {
	out := make([]Frame, len(s.frames))
	for i, f := range s.frames {
		f.Image = clone(f.Image)
		out[i] = f
	}
	return out
}

// Arrived returns the filled frames in the order they first arrived.
func (s *Store) Arrived() []Frame {
	out := make([]Frame, 0, len(s.order))
	for _, i := range s.order {
		f := s.frames[i]
		f.Image = clone(f.Image)
		out = append(out, f)
	}
	return out
}

// Filled returns how many frames have image bytes.
func (s *Store) Filled() int { return len(s.order) }

// Complete reports whether every frame has arrived.
func (s *Store) Complete() bool { return len(s.order) == len(s.frames) }

// Animation returns the animation bytes and whether they are ready for
// download.
func (s *Store) Animation() ([]byte, bool) {
	return clone(s.animation), s.ready
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
