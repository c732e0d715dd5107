package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
)

// healthWindow is the lookback window used by MonitorSessionHealth.
const healthWindow = 5 * time.Minute

// Correlator ingests session events and produces metrics, reports, and
// health classifications.
//
// TrackEvent follows an upsert pattern: the event is appended to the
// durable store first, then a small set of live counters is patched in
// place. The counters exist for low-latency reads only; CalculateMetrics
// always derives its result from the full event log.
type Correlator struct {
	mu    sync.RWMutex
	store EventStore
	live  map[string]*liveSession
	now   func() time.Time
}

// liveSession holds the incrementally-maintained counters for one
// session. Patched on every TrackEvent, never read back into the log.
type liveSession struct {
	startedAt     time.Time
	endedAt       time.Time
	active        map[string]struct{}
	maxConcurrent int
}

// LiveCounters is a point-in-time snapshot of a session's real-time
// counters.
type LiveCounters struct {
	SessionID          string
	StartedAt          time.Time
	EndedAt            time.Time
	ActiveParticipants int
	MaxConcurrent      int
}

// NewCorrelator creates a correlator over the given store.
func NewCorrelator(store EventStore) *Correlator {
	return &Correlator{
		store: store,
		live:  make(map[string]*liveSession),
		now:   time.Now,
	}
}

// TrackEvent appends one event to the durable log and patches the
// session's live counters. The append happens first: if it fails, the
// counters are left untouched and the error is returned.
func (c *Correlator) TrackEvent(ctx context.Context, event Event) error {
	if event.SessionID == "" {
		return fmt.Errorf("track event: missing session id")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}

	if err := c.store.Append(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	live, ok := c.live[event.SessionID]
	if !ok {
		live = &liveSession{
			active: make(map[string]struct{}),
		}
		c.live[event.SessionID] = live
	}

	switch event.Type {
	case EventSessionStart:
		live.startedAt = event.Timestamp
	case EventSessionEnd:
		live.endedAt = event.Timestamp
	case EventParticipantJoin:
		if event.ParticipantID != "" {
			live.active[event.ParticipantID] = struct{}{}
			if len(live.active) > live.maxConcurrent {
				live.maxConcurrent = len(live.active)
			}
		}
	case EventParticipantLeave:
		delete(live.active, event.ParticipantID)
	}

	return nil
}

// Live returns the session's real-time counters, or false if the session
// has not been seen by this correlator instance.
func (c *Correlator) Live(sessionID string) (LiveCounters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	live, ok := c.live[sessionID]
	if !ok {
		return LiveCounters{}, false
	}
	return LiveCounters{
		SessionID:          sessionID,
		StartedAt:          live.startedAt,
		EndedAt:            live.endedAt,
		ActiveParticipants: len(live.active),
		MaxConcurrent:      live.maxConcurrent,
	}, true
}

// CalculateMetrics derives the session's aggregate metrics by scanning
// its full event log. Returns ErrSessionNotFound for an unknown session;
// this is never conflated with a session that has zero-valued metrics.
func (c *Correlator) CalculateMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	events, err := c.store.Events(ctx, sessionID)
	if err != nil {
		return SessionMetrics{}, err
	}

	metrics := SessionMetrics{SessionID: sessionID}

	var (
		start, end   time.Time
		active       = make(map[string]struct{})
		seen         = make(map[string]struct{})
		qualitySum   float64
		qualityCount int
	)

	for _, e := range events {
		switch e.Type {
		case EventSessionStart:
			start = e.Timestamp
		case EventSessionEnd:
			end = e.Timestamp
		case EventParticipantJoin:
			if e.ParticipantID != "" {
				active[e.ParticipantID] = struct{}{}
				seen[e.ParticipantID] = struct{}{}
				if len(active) > metrics.MaxConcurrentParticipants {
					metrics.MaxConcurrentParticipants = len(active)
				}
			}
		case EventParticipantLeave:
			delete(active, e.ParticipantID)
		case EventQualityChange:
			if score, ok := qualityScore(e.Metadata["quality"]); ok {
				qualitySum += score
				qualityCount++
			}
		case EventDisconnection:
			metrics.DisconnectionCount++
		case EventReconnection:
			metrics.ReconnectionCount++
		case EventError:
			metrics.ErrorCount++
		}
	}

	metrics.ParticipantCount = len(seen)
	if !start.IsZero() && !end.IsZero() && end.After(start) {
		metrics.TotalDuration = end.Sub(start)
	}
	if qualityCount > 0 {
		metrics.AverageConnectionQuality = qualitySum / float64(qualityCount)
	}

	return metrics, nil
}

// GetSessionReport joins metrics, raw events, and the participant roster
// into one payload, including a human-readable timeline and rule-based
// recommendations derived deterministically from the metrics.
func (c *Correlator) GetSessionReport(ctx context.Context, sessionID string) (SessionReport, error) {
	metrics, err := c.CalculateMetrics(ctx, sessionID)
	if err != nil {
		return SessionReport{}, err
	}

	events, err := c.store.Events(ctx, sessionID)
	if err != nil {
		return SessionReport{}, err
	}

	roster := make(map[string]struct{})
	timeline := make([]string, 0, len(events))
	for _, e := range events {
		if e.ParticipantID != "" {
			roster[e.ParticipantID] = struct{}{}
		}
		timeline = append(timeline, timelineLine(e))
	}

	participants := make([]string, 0, len(roster))
	for id := range roster {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	return SessionReport{
		Metrics:         metrics,
		Events:          events,
		Participants:    participants,
		Timeline:        timeline,
		Recommendations: recommendations(metrics),
		GeneratedAt:     c.now(),
	}, nil
}

// MonitorSessionHealth classifies the session's last five minutes of
// activity. Every check persists its own audit record to the event log.
func (c *Correlator) MonitorSessionHealth(ctx context.Context, sessionID string) (HealthCheck, error) {
	now := c.now()
	recent, err := c.store.EventsSince(ctx, sessionID, now.Add(-healthWindow))
	if err != nil {
		return HealthCheck{}, err
	}

	check := HealthCheck{
		SessionID: sessionID,
		Window:    healthWindow,
		CheckedAt: now,
	}
	for _, e := range recent {
		switch e.Type {
		case EventError:
			check.ErrorCount++
		case EventDisconnection:
			check.DisconnectionCount++
		}
	}

	switch {
	case check.ErrorCount > 3:
		check.Status = HealthCritical
	case check.DisconnectionCount > 2:
		check.Status = HealthWarning
	default:
		check.Status = HealthHealthy
	}

	audit := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      EventHealthCheck,
		Timestamp: now,
		Metadata: map[string]string{
			"status":         string(check.Status),
			"errors":         fmt.Sprintf("%d", check.ErrorCount),
			"disconnections": fmt.Sprintf("%d", check.DisconnectionCount),
		},
	}
	if err := c.store.Append(ctx, audit); err != nil {
		// The classification is still valid; losing the audit record is
		// worth surfacing but not worth failing the check.
		logger.GetLogger().Warnw("failed to persist health check record", err, "sessionID", sessionID)
	}

	return check, nil
}

// timelineLine renders one event as a human-readable timeline entry.
func timelineLine(e Event) string {
	ts := e.Timestamp.Format(time.RFC3339)
	switch e.Type {
	case EventSessionStart:
		return fmt.Sprintf("%s session started", ts)
	case EventSessionEnd:
		return fmt.Sprintf("%s session ended", ts)
	case EventParticipantJoin:
		return fmt.Sprintf("%s participant %s joined", ts, e.ParticipantID)
	case EventParticipantLeave:
		return fmt.Sprintf("%s participant %s left", ts, e.ParticipantID)
	case EventQualityChange:
		return fmt.Sprintf("%s connection quality changed to %s", ts, e.Metadata["quality"])
	case EventDisconnection:
		return fmt.Sprintf("%s connection lost", ts)
	case EventReconnection:
		return fmt.Sprintf("%s connection restored", ts)
	case EventError:
		return fmt.Sprintf("%s error: %s", ts, e.Metadata["message"])
	case EventRecordingStart:
		return fmt.Sprintf("%s recording started", ts)
	case EventRecordingStop:
		return fmt.Sprintf("%s recording stopped", ts)
	case EventHealthCheck:
		return fmt.Sprintf("%s health check: %s", ts, e.Metadata["status"])
	default:
		return fmt.Sprintf("%s %s", ts, e.Type)
	}
}

// recommendations derives advisory strings from the metrics. The rules
// are fixed functions of the aggregates so reports are reproducible.
func recommendations(m SessionMetrics) []string {
	var recs []string
	if m.AverageConnectionQuality > 0 && m.AverageConnectionQuality < 2.5 {
		recs = append(recs, "average connection quality was low; investigate adaptive bitrate settings")
	}
	if m.DisconnectionCount > 3 {
		recs = append(recs, "frequent disconnections detected; review network stability for participants")
	}
	if m.ErrorCount > 0 {
		recs = append(recs, fmt.Sprintf("%d error(s) recorded; review the error events in the timeline", m.ErrorCount))
	}
	if m.ReconnectionCount > 0 && m.ReconnectionCount < m.DisconnectionCount {
		recs = append(recs, "some disconnections never recovered; verify reconnection behavior on the client")
	}
	if len(recs) == 0 {
		recs = append(recs, "no issues detected")
	}
	return recs
}
