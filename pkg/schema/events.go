// pkg/schema/events.go
package schema

// JobStage marks a point in a job generation's life.
type JobStage string

const (
	StageSubmitted JobStage = "submitted"
	StageRendering JobStage = "rendering"
	StageAnimating JobStage = "animating"
	StageCompleted JobStage = "completed"
)

// RegistryChanged is published for external observers whenever the worker
// registry changes.
type RegistryChanged struct {
	Processes  map[string]ProcessInfo `json:"processes"`
	HappenedAt int64                  `json:"happened_at"`
}

// JobLifecycleEvent reports job progress for external observers.
type JobLifecycleEvent struct {
	Generation uint64   `json:"generation"`
	Job        Job      `json:"job"`
	Stage      JobStage `json:"stage"`
	Rendered   int      `json:"rendered"`
	Total      int      `json:"total"`
	Error      string   `json:"error,omitempty"`
	HappenedAt int64    `json:"happened_at"`
}
