package bus

import "testing"

func TestSubjectsLayout(t *testing.T) {
	s := NewSubjects("")
	if s.Frames("w1") != "render.workers.w1.frames" {
		t.Fatalf("unexpected frames subject: %s", s.Frames("w1"))
	}
	if s.Results() != "render.results" || s.Ready() != "render.workers.ready" {
		t.Fatalf("unexpected shared subjects: %s %s", s.Results(), s.Ready())
	}

	s = NewSubjects(".farm-a.")
	if s.Control("w2") != "farm-a.workers.w2.control" {
		t.Fatalf("prefix not trimmed: %s", s.Control("w2"))
	}
	if s.ProcessesEvents() != "farm-a.events.processes" || s.JobEvents() != "farm-a.events.job" {
		t.Fatalf("unexpected event subjects: %s %s", s.ProcessesEvents(), s.JobEvents())
	}
}
