package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
)

// SignalType identifies a server-to-client signaling event.
type SignalType string

const (
	// SignalAdmitted means the host admitted this participant from the
	// waiting room.
	SignalAdmitted SignalType = "admitted"

	// SignalBreakoutMoved means this participant was moved into a
	// breakout room.
	SignalBreakoutMoved SignalType = "breakout_moved"

	// SignalBreakoutReturned means this participant was returned to the
	// main session.
	SignalBreakoutReturned SignalType = "breakout_returned"

	// SignalParticipantJoined announces a remote participant.
	SignalParticipantJoined SignalType = "participant_joined"

	// SignalParticipantLeft announces a remote participant's departure.
	SignalParticipantLeft SignalType = "participant_left"

	// SignalConnectionLost means the transport dropped unexpectedly.
	SignalConnectionLost SignalType = "connection_lost"

	// SignalTerminated means the server ended the session.
	SignalTerminated SignalType = "terminated"
)

// SignalEvent is one signaling notification.
type SignalEvent struct {
	Type          SignalType
	ParticipantID string
	Room          string
}

// JoinResult is the outcome of a completed signaling handshake.
type JoinResult struct {
	// Admitted is false when the participant landed in the waiting room
	// and must wait for the host.
	Admitted bool
}

// Signaler is the session's signaling transport. Connect performs the
// join handshake; subsequent server events arrive on Events. Connect may
// be called again after a connection loss to re-establish the session.
type Signaler interface {
	Connect(ctx context.Context, token string) (JoinResult, error)
	Leave(ctx context.Context) error
	Events() <-chan SignalEvent
	Close() error
}

// signalMessage is the websocket wire format, both directions.
type signalMessage struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	Participant string `json:"participant,omitempty"`
	Admitted    bool   `json:"admitted,omitempty"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 30 * time.Second
	wsPingInterval = 10 * time.Second
)

// WebSocketSignaler is the production Signaler, riding one websocket per
// connection attempt. The events channel survives reconnects.
type WebSocketSignaler struct {
	url      string
	room     string
	identity string

	mu     sync.Mutex
	conn   *websocket.Conn
	pumpWg sync.WaitGroup

	events    chan SignalEvent
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketSignaler creates a signaler for the given signaling URL,
// room, and participant identity.
func NewWebSocketSignaler(url, room, identity string) *WebSocketSignaler {
	return &WebSocketSignaler{
		url:      url,
		room:     room,
		identity: identity,
		events:   make(chan SignalEvent, 16),
		closed:   make(chan struct{}),
	}
}

// Connect dials the signaling server, authenticates with the bearer
// token, and performs the join handshake. The returned JoinResult says
// whether the participant was admitted immediately or parked in the
// waiting room.
func (s *WebSocketSignaler) Connect(ctx context.Context, token string) (JoinResult, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return JoinResult{}, fmt.Errorf("signaling dial: %w", ErrUnauthorized)
		}
		return JoinResult{}, fmt.Errorf("signaling dial: %w: %v", ErrNetwork, err)
	}

	join := signalMessage{Type: "join", Room: s.room, Participant: s.identity}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return JoinResult{}, fmt.Errorf("signaling join: %w: %v", ErrNetwork, err)
	}

	// The handshake response must arrive before the deadline or the
	// attempt counts as a network failure.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	}
	var reply signalMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return JoinResult{}, fmt.Errorf("signaling handshake: %w: %v", ErrNetwork, err)
	}
	if reply.Type != "joined" && reply.Type != "waiting" {
		conn.Close()
		return JoinResult{}, fmt.Errorf("signaling handshake: %w: unexpected message %q", ErrNetwork, reply.Type)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.pumpWg.Add(2)
	go s.readPump(conn)
	go s.pingLoop(conn)

	admitted := reply.Type == "joined" && reply.Admitted
	logger.GetLogger().Infow("signaling connected",
		"room", s.room,
		"admitted", admitted)
	return JoinResult{Admitted: admitted}, nil
}

// Leave notifies the server that this participant is leaving. The
// connection itself is torn down by Close.
func (s *WebSocketSignaler) Leave(_ context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(signalMessage{Type: "leave", Room: s.room, Participant: s.identity}); err != nil {
		return fmt.Errorf("signaling leave: %w: %v", ErrNetwork, err)
	}
	return nil
}

// Events returns the channel signaling events are delivered on. The
// channel is closed when the signaler is closed.
func (s *WebSocketSignaler) Events() <-chan SignalEvent {
	return s.events
}

// Close tears down the connection and closes the events channel. Safe to
// call more than once.
func (s *WebSocketSignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			conn.Close()
		}
		s.pumpWg.Wait()
		close(s.events)
	})
	return nil
}

// readPump delivers server events until the connection drops or the
// signaler closes. An unexpected drop is reported as a connection_lost
// event so the session can attempt recovery.
func (s *WebSocketSignaler) readPump(conn *websocket.Conn) {
	defer s.pumpWg.Done()

	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.GetLogger().Warnw("signaling read failed", err)
				}
				s.deliver(SignalEvent{Type: SignalConnectionLost})
			}
			return
		}

		event := SignalEvent{
			Type:          SignalType(msg.Type),
			ParticipantID: msg.Participant,
			Room:          msg.Room,
		}
		switch event.Type {
		case SignalAdmitted, SignalBreakoutMoved, SignalBreakoutReturned,
			SignalParticipantJoined, SignalParticipantLeft, SignalTerminated:
			s.deliver(event)
		default:
			logger.GetLogger().Debugw("ignoring unknown signal", "type", msg.Type)
		}
	}
}

func (s *WebSocketSignaler) deliver(event SignalEvent) {
	select {
	case s.events <- event:
	case <-s.closed:
	}
}

func (s *WebSocketSignaler) pingLoop(conn *websocket.Conn) {
	defer s.pumpWg.Done()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
