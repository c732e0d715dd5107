// Package session implements the client-side lifecycle of a telehealth
// video call: device enumeration and selection, media acquisition, the
// connection state machine, connection quality monitoring, composed
// chunked recording, and payload security.
//
// The package is a library consumed by a UI layer. It has no process
// entry point; host platform concerns (camera hardware, transport
// statistics, signaling) are reached through small interfaces so the
// core logic is testable without real hardware.
//
// Key pieces:
//   - DeviceRegistry: enumerates and selects camera/microphone/speaker devices
//   - MediaAcquirer: owns the local stream handle and guarantees release
//   - SessionController: the per-call state machine
//   - QualityMonitor: interval sampling of transport statistics
//   - ComposedRecorder: multi-stream composition and chunked upload
//   - SecurityMonitor: rotating-key payload encryption and threat records
package session

import (
	"time"
)

// ConnectionState is the finite state of a single call attempt. It is
// owned exclusively by the SessionController; other components only read
// it.
type ConnectionState int

const (
	// StateIdle is the initial state before any join attempt.
	StateIdle ConnectionState = iota

	// StateRequestingPermissions covers the platform permission prompt
	// and initial media acquisition.
	StateRequestingPermissions

	// StateConnecting covers the signaling handshake.
	StateConnecting

	// StateConnected is a healthy established call.
	StateConnected

	// StateDegraded is an established call whose quality tier dropped
	// below the acceptable threshold.
	StateDegraded

	// StateWaitingRoom means the handshake completed but the host has
	// not admitted the participant yet.
	StateWaitingRoom

	// StateInBreakout means the participant has been moved to a breakout
	// room within the session.
	StateInBreakout

	// StateDisconnecting covers teardown after a leave request.
	StateDisconnecting

	// StateEnded is the terminal state of a normally finished call.
	StateEnded

	// StateFailed is the terminal state after an unrecoverable error.
	StateFailed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingPermissions:
		return "requesting_permissions"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateWaitingRoom:
		return "waiting_room"
	case StateInBreakout:
		return "in_breakout"
	case StateDisconnecting:
		return "disconnecting"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final for this call attempt.
func (s ConnectionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Established reports whether the call is live: connected, degraded, or
// in a breakout room. Quality sampling runs only in these states.
func (s ConnectionState) Established() bool {
	return s == StateConnected || s == StateDegraded || s == StateInBreakout
}

// FailureReason classifies why a call reached StateFailed, so the UI can
// offer the right remedy (re-grant permission vs retry connection).
type FailureReason int

const (
	// FailureNone means the call has not failed.
	FailureNone FailureReason = iota

	// FailurePermission means camera or microphone access was refused.
	FailurePermission

	// FailureNetwork means the transport could not be established or was
	// lost beyond recovery.
	FailureNetwork

	// FailureOther covers everything else.
	FailureOther
)

// String returns the reason name.
func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailurePermission:
		return "permission"
	case FailureNetwork:
		return "network"
	default:
		return "other"
	}
}

// DeviceKind identifies a class of media hardware.
type DeviceKind string

const (
	DeviceCamera     DeviceKind = "camera"
	DeviceMicrophone DeviceKind = "microphone"
	DeviceSpeaker    DeviceKind = "speaker"
)

// TrackKind identifies a media track type.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// DeviceDescriptor is one enumerated device. Descriptors are immutable
// snapshots; a later enumeration may add or remove entries. Label may be
// an empty string until the platform has granted media permission — that
// is platform behavior and is preserved as-is.
type DeviceDescriptor struct {
	ID    string
	Kind  DeviceKind
	Label string
}

// DeviceList groups an enumeration's results by kind.
type DeviceList struct {
	Cameras     []DeviceDescriptor
	Microphones []DeviceDescriptor
	Speakers    []DeviceDescriptor
}

// QualityTier is one of four discrete connection quality buckets derived
// from continuous transport metrics. Higher values are better.
type QualityTier int

const (
	TierDisconnected QualityTier = iota + 1
	TierPoor
	TierGood
	TierExcellent
)

// String returns the tier name.
func (t QualityTier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierPoor:
		return "poor"
	case TierDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// QualitySample is one quality observation, produced once per sampling
// interval while the call is established.
type QualitySample struct {
	Timestamp time.Time
	Tier      QualityTier
	// Score is a 0..100 numeric quality score for trend display.
	Score float64
}

// TransportStats are the continuous transport metrics a StatsSource
// samples from the underlying connection.
type TransportStats struct {
	// PacketLossPct is packet loss as a percentage, 0..100.
	PacketLossPct float64

	// RTTMillis is the round-trip latency in milliseconds.
	RTTMillis float64

	// JitterMillis is the packet jitter in milliseconds.
	JitterMillis float64
}

// ChunkMetadata describes the conditions under which a recording chunk
// was captured.
type ChunkMetadata struct {
	ParticipantIDs []string
	Quality        QualityTier
	HasVideo       bool
	HasAudio       bool
}

// RecordingChunk is a fixed-duration slice of composed recording output.
// Chunks are immutable once created and retained until their upload is
// acknowledged.
type RecordingChunk struct {
	ID            string
	SequenceIndex int
	Timestamp     time.Time
	Duration      time.Duration
	ByteSize      int
	Payload       []byte
	Metadata      ChunkMetadata
}

// ThreatType identifies a category of detected security threat.
type ThreatType string

const (
	ThreatSuspiciousConnection ThreatType = "suspicious_connection"
	ThreatDataBreach           ThreatType = "data_breach"
	ThreatSessionHijack        ThreatType = "session_hijack"
)

// ThreatSeverity ranks a threat's impact.
type ThreatSeverity string

const (
	SeverityLow      ThreatSeverity = "low"
	SeverityMedium   ThreatSeverity = "medium"
	SeverityHigh     ThreatSeverity = "high"
	SeverityCritical ThreatSeverity = "critical"
)

// ThreatRecord is an append-only record of a detected threat. Resolved
// is the only mutable field, flipped by SecurityMonitor.ResolveThreat.
type ThreatRecord struct {
	ID        string
	Type      ThreatType
	Severity  ThreatSeverity
	Timestamp time.Time
	Details   string
	Resolved  bool
}
