package session

import (
	"sync"
	"time"
)

// SinkEvent is one observation recorded by a MetricsSink.
type SinkEvent struct {
	Name      string
	Fields    map[string]any
	Timestamp time.Time
}

// MetricsSink is an explicitly constructed, bounded sink for internal
// observations (device switches, chunk uploads, key rotations). It is
// passed by reference into the components that need it — never reached
// through package-level state — with Init at session-host startup and
// Teardown at shutdown.
//
// Retention is bounded: once the cap is reached the oldest event is
// evicted.
type MetricsSink struct {
	mu          sync.Mutex
	capacity    int
	events      []SinkEvent
	initialized bool
}

// NewMetricsSink creates a sink retaining at most capacity events.
func NewMetricsSink(capacity int) *MetricsSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MetricsSink{capacity: capacity}
}

// Init prepares the sink for recording. Recording before Init is a
// silent drop, which keeps component code free of ordering concerns
// during construction.
func (s *MetricsSink) Init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Record appends one observation, evicting the oldest when full.
func (s *MetricsSink) Record(name string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}
	s.events = append(s.events, SinkEvent{
		Name:      name,
		Fields:    fields,
		Timestamp: time.Now(),
	})
	if len(s.events) > s.capacity {
		s.events = s.events[1:]
	}
}

// Snapshot returns a copy of the retained events, oldest first.
func (s *MetricsSink) Snapshot() []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Teardown stops recording and drops retained events.
func (s *MetricsSink) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.events = nil
}
