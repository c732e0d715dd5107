// Package analytics aggregates discrete lifecycle and quality events
// emitted by video sessions into durable, queryable summaries.
//
// Events are append-only and keyed by session ID. The correlator keeps a
// small set of incrementally-maintained live counters for low-latency
// reads, but the event log remains the source of truth: every metric can
// be recomputed from scratch by replaying the log.
//
// The package supports multiple storage backends:
//   - MemoryEventStore: in-process store for tests and single-node use
//   - ClickHouseEventStore: durable columnar store for production
package analytics

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a query references a session ID
// with no recorded events. Callers must be able to distinguish this from
// a session that exists but has zero activity.
var ErrSessionNotFound = errors.New("analytics: session not found")

// EventType identifies the kind of lifecycle event being recorded.
type EventType string

const (
	// EventSessionStart marks the beginning of a session.
	EventSessionStart EventType = "session_start"

	// EventSessionEnd marks the end of a session.
	EventSessionEnd EventType = "session_end"

	// EventParticipantJoin records a participant entering the session.
	EventParticipantJoin EventType = "participant_join"

	// EventParticipantLeave records a participant leaving the session.
	EventParticipantLeave EventType = "participant_leave"

	// EventQualityChange records a connection quality tier transition.
	// The new tier is carried in the "quality" metadata key.
	EventQualityChange EventType = "quality_change"

	// EventDisconnection records a transport-level connection loss.
	EventDisconnection EventType = "disconnection"

	// EventReconnection records a successful reconnect after a loss.
	EventReconnection EventType = "reconnection"

	// EventError records a session-scoped error.
	EventError EventType = "error"

	// EventRecordingStart records the composed recorder starting.
	EventRecordingStart EventType = "recording_start"

	// EventRecordingStop records the composed recorder stopping.
	EventRecordingStop EventType = "recording_stop"

	// EventHealthCheck is the audit record persisted by every call to
	// Correlator.MonitorSessionHealth.
	EventHealthCheck EventType = "health_check"
)

// Event is a single analytics record. Events are immutable once created;
// the correlator only ever computes projections over them.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// SessionID keys the event to a session. Required.
	SessionID string `json:"session_id"`

	// Type is the event kind.
	Type EventType `json:"type"`

	// ParticipantID identifies the participant involved, if any.
	ParticipantID string `json:"participant_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries event-specific details, such as the quality tier
	// for quality_change events.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionMetrics is the aggregate view of a single session, derived by
// scanning its event log.
type SessionMetrics struct {
	SessionID                 string        `json:"session_id"`
	TotalDuration             time.Duration `json:"total_duration"`
	ParticipantCount          int           `json:"participant_count"`
	MaxConcurrentParticipants int           `json:"max_concurrent_participants"`
	AverageConnectionQuality  float64       `json:"average_connection_quality"`
	DisconnectionCount        int           `json:"disconnection_count"`
	ReconnectionCount         int           `json:"reconnection_count"`
	ErrorCount                int           `json:"error_count"`
}

// HealthStatus classifies recent session behavior.
type HealthStatus string

const (
	// HealthHealthy indicates no concerning activity in the window.
	HealthHealthy HealthStatus = "healthy"

	// HealthWarning indicates elevated disconnections in the window.
	HealthWarning HealthStatus = "warning"

	// HealthCritical indicates elevated errors in the window.
	HealthCritical HealthStatus = "critical"
)

// HealthCheck is the result of a windowed health query. Each check is
// also persisted to the event log as an audit record.
type HealthCheck struct {
	SessionID          string       `json:"session_id"`
	Status             HealthStatus `json:"status"`
	ErrorCount         int          `json:"error_count"`
	DisconnectionCount int          `json:"disconnection_count"`
	Window             time.Duration `json:"window"`
	CheckedAt          time.Time    `json:"checked_at"`
}

// SessionReport joins metrics, raw events, and the participant roster
// into one payload, with a human-readable timeline and deterministic
// rule-based recommendations.
type SessionReport struct {
	Metrics         SessionMetrics `json:"metrics"`
	Events          []Event        `json:"events"`
	Participants    []string       `json:"participants"`
	Timeline        []string       `json:"timeline"`
	Recommendations []string       `json:"recommendations"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// qualityScore maps a discrete quality tier to a numeric score for
// averaging. The mapping is intentionally lossy: it serves trend display,
// not SLA accounting. Consumers needing precise figures should use the
// raw transport metrics instead.
func qualityScore(tier string) (float64, bool) {
	switch tier {
	case "excellent":
		return 4, true
	case "good":
		return 3, true
	case "poor":
		return 2, true
	case "disconnected":
		return 1, true
	default:
		return 0, false
	}
}
