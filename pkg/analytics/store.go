package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventStore is the durable, append-only event log backing the
// correlator. Implementations must be safe for concurrent appenders;
// events for different sessions are fully independent.
type EventStore interface {
	// Append durably records one event. Events are never updated or
	// deleted once appended.
	Append(ctx context.Context, event Event) error

	// Events returns all events for a session in timestamp order.
	// Returns ErrSessionNotFound if the session has no events.
	Events(ctx context.Context, sessionID string) ([]Event, error)

	// EventsSince returns the session's events with timestamps at or
	// after the given instant, in timestamp order. Returns
	// ErrSessionNotFound if the session has no events at all.
	EventsSince(ctx context.Context, sessionID string, since time.Time) ([]Event, error)
}

// MemoryEventStore is an in-process EventStore. It is the default store
// for tests and single-node deployments.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string][]Event),
	}
}

// Append records the event in memory.
func (s *MemoryEventStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

// Events returns a sorted copy of the session's events.
func (s *MemoryEventStore) Events(_ context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.events[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	out := make([]Event, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// EventsSince returns the session's events at or after since.
func (s *MemoryEventStore) EventsSince(ctx context.Context, sessionID string, since time.Time) ([]Event, error) {
	all, err := s.Events(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(all))
	for _, e := range all {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
