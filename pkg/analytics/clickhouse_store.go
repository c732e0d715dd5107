package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds connection settings for the ClickHouse-backed
// event store.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseEventStore is an EventStore backed by ClickHouse. Events are
// written to a single append-only table ordered by (session_id,
// timestamp), which keeps per-session scans cheap.
type ClickHouseEventStore struct {
	conn driver.Conn
}

const sessionEventsSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	id             String,
	session_id     String,
	event_type     LowCardinality(String),
	participant_id String,
	timestamp      DateTime64(3),
	metadata       String
) ENGINE = MergeTree()
ORDER BY (session_id, timestamp)
`

// NewClickHouseEventStore connects to ClickHouse and ensures the event
// table exists.
func NewClickHouseEventStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseEventStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, sessionEventsSchema); err != nil {
		return nil, fmt.Errorf("create session_events table: %w", err)
	}

	return &ClickHouseEventStore{conn: conn}, nil
}

// Append inserts one event row.
func (s *ClickHouseEventStore) Append(ctx context.Context, event Event) error {
	meta := "{}"
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(encoded)
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO session_events (id, session_id, event_type, participant_id, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.SessionID,
		string(event.Type),
		event.ParticipantID,
		event.Timestamp,
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// Events returns all events for a session in timestamp order.
func (s *ClickHouseEventStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	return s.query(ctx, sessionID, `
		SELECT id, session_id, event_type, participant_id, timestamp, metadata
		FROM session_events
		WHERE session_id = ?
		ORDER BY timestamp`, sessionID)
}

// EventsSince returns the session's events at or after since.
func (s *ClickHouseEventStore) EventsSince(ctx context.Context, sessionID string, since time.Time) ([]Event, error) {
	// Existence must be checked separately: an empty window for a known
	// session is not the same condition as an unknown session.
	var count uint64
	row := s.conn.QueryRow(ctx, `SELECT count() FROM session_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&count); err != nil {
		return nil, fmt.Errorf("count session events: %w", err)
	}
	if count == 0 {
		return nil, ErrSessionNotFound
	}

	events, err := s.query(ctx, sessionID, `
		SELECT id, session_id, event_type, participant_id, timestamp, metadata
		FROM session_events
		WHERE session_id = ? AND timestamp >= ?
		ORDER BY timestamp`, sessionID, since)
	if err != nil && err != ErrSessionNotFound {
		return nil, err
	}
	return events, nil
}

func (s *ClickHouseEventStore) query(ctx context.Context, sessionID, sql string, args ...any) ([]Event, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			meta      string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &e.ParticipantID, &e.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.Type = EventType(eventType)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}

	if len(events) == 0 {
		return nil, ErrSessionNotFound
	}
	return events, nil
}
