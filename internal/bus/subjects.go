package bus

import "strings"

// Subjects names the NATS subjects used between the farm and its workers.
type Subjects struct {
	Prefix string
}

// NewSubjects returns the subject layout under prefix, "render" by default.
func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "render"
	}
	return Subjects{Prefix: prefix}
}

// Frames carries RenderRequests for one worker.
func (s Subjects) Frames(workerID string) string {
	return s.Prefix + ".workers." + workerID + ".frames"
}

// Control carries Retire requests for one worker.
func (s Subjects) Control(workerID string) string {
	return s.Prefix + ".workers." + workerID + ".control"
}

// Ready carries WorkerHello announcements.
func (s Subjects) Ready() string { return s.Prefix + ".workers.ready" }

// Results carries RenderResults from every worker.
func (s Subjects) Results() string { return s.Prefix + ".results" }

// ProcessesEvents carries registry snapshots for observers.
func (s Subjects) ProcessesEvents() string { return s.Prefix + ".events.processes" }

// JobEvents carries job lifecycle events for observers.
func (s Subjects) JobEvents() string { return s.Prefix + ".events.job" }
