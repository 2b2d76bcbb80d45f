package mocks

import (
	"sync"

	"replicatedlog/internal/replication"
)

// RecordingEventSink keeps every event it receives
type RecordingEventSink struct {
	mu     sync.Mutex
	events []replication.Event
}

func (s *RecordingEventSink) Emit(ev replication.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns the recorded events of the given kind
func (s *RecordingEventSink) Events(kind replication.EventKind) []replication.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []replication.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
