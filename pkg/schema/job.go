// pkg/schema/job.go
package schema

import (
	"encoding/json"
	"fmt"
)

// Job describes one render request. A submitted job is immutable; a new
// submission replaces it.
type Job struct {
	Height          int `json:"height" msgpack:"height"`
	Width           int `json:"width" msgpack:"width"`
	TotalFrames     int `json:"totalFrames" msgpack:"total_frames"`
	SamplesPerPixel int `json:"samplesPerPixel" msgpack:"samples_per_pixel"`
}

// DefaultJob is the job active before any client submits one.
func DefaultJob() Job {
	return Job{
		Height:          720 / 4,
		Width:           1280 / 4,
		TotalFrames:     40,
		SamplesPerPixel: 128 / 4,
	}
}

// JobField names a recognised job parameter and its type tag.
type JobField struct {
	Name string
	Type string
}

// MarshalJSON encodes the field as a [name, type] pair.
func (f JobField) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{f.Name, f.Type})
}

func (f *JobField) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("job field: %w", err)
	}
	f.Name, f.Type = pair[0], pair[1]
	return nil
}

// JobFields lists the parameters a client may submit.
func JobFields() []JobField {
	return []JobField{
		{Name: "totalFrames", Type: "integer"},
		{Name: "samplesPerPixel", Type: "integer"},
		{Name: "width", Type: "integer"},
		{Name: "height", Type: "integer"},
	}
}

// ValidationError reports a job parameter outside its allowed range.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Upper bounds for submitted jobs. Frame state is allocated per frame and
// workers allocate width*height pixels, so both stay bounded.
const (
	MaxDimension       = 8192
	MaxTotalFrames     = 10000
	MaxSamplesPerPixel = 1 << 16
)

// Validate checks that every parameter is a positive integer within its limit.
func (j Job) Validate() error {
	checks := []struct {
		field string
		value int
		max   int
	}{
		{"height", j.Height, MaxDimension},
		{"width", j.Width, MaxDimension},
		{"totalFrames", j.TotalFrames, MaxTotalFrames},
		{"samplesPerPixel", j.SamplesPerPixel, MaxSamplesPerPixel},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return ValidationError{Field: c.field, Message: fmt.Sprintf("must be greater than zero (got %d)", c.value)}
		}
		if c.value > c.max {
			return ValidationError{Field: c.field, Message: fmt.Sprintf("must be at most %d (got %d)", c.max, c.value)}
		}
	}
	return nil
}

// PanOffset returns the camera offset for frame index of a job with total
// frames, sweeping a range of 10 units centred on zero.
func PanOffset(index, total int) float32 {
	const panRange = 10.0
	if total <= 0 {
		return 0
	}
	step := float32(panRange) / float32(total)
	return -float32(total)*step/2 + float32(index)*step
}
