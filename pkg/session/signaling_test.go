package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalingServer is a scripted signaling endpoint for tests.
type signalingServer struct {
	*httptest.Server

	handshake string // "joined", "waiting", or an HTTP status override
	admitted  bool
	push      chan signalMessage
	tokens    chan string
}

func newSignalingServer(t *testing.T, handshake string, admitted bool) *signalingServer {
	t.Helper()

	s := &signalingServer{
		handshake: handshake,
		admitted:  admitted,
		push:      make(chan signalMessage, 8),
		tokens:    make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		select {
		case s.tokens <- strings.TrimPrefix(auth, "Bearer "):
		default:
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var join signalMessage
		require.NoError(t, conn.ReadJSON(&join))
		require.Equal(t, "join", join.Type)

		require.NoError(t, conn.WriteJSON(signalMessage{Type: s.handshake, Admitted: s.admitted}))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg signalMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case msg := <-s.push:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *signalingServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocketSignalerConnect(t *testing.T) {
	t.Run("admitted", func(t *testing.T) {
		server := newSignalingServer(t, "joined", true)
		signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")
		defer signaler.Close()

		result, err := signaler.Connect(context.Background(), "tok")
		require.NoError(t, err)
		assert.True(t, result.Admitted)
		assert.Equal(t, "tok", <-server.tokens, "the bearer token rides the dial headers")
	})

	t.Run("waiting room", func(t *testing.T) {
		server := newSignalingServer(t, "waiting", false)
		signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")
		defer signaler.Close()

		result, err := signaler.Connect(context.Background(), "tok")
		require.NoError(t, err)
		assert.False(t, result.Admitted)
	})

	t.Run("rejected credential maps to unauthorized", func(t *testing.T) {
		server := newSignalingServer(t, "joined", true)
		signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")
		defer signaler.Close()

		_, err := signaler.Connect(context.Background(), "bad")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unreachable server maps to network error", func(t *testing.T) {
		signaler := NewWebSocketSignaler("ws://127.0.0.1:1/ws", "exam-room", "patient-7")
		defer signaler.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := signaler.Connect(ctx, "tok")
		assert.ErrorIs(t, err, ErrNetwork)
	})
}

func TestWebSocketSignalerEvents(t *testing.T) {
	server := newSignalingServer(t, "joined", true)
	signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")
	defer signaler.Close()

	_, err := signaler.Connect(context.Background(), "tok")
	require.NoError(t, err)

	server.push <- signalMessage{Type: "participant_joined", Participant: "dr-lee"}

	select {
	case event := <-signaler.Events():
		assert.Equal(t, SignalParticipantJoined, event.Type)
		assert.Equal(t, "dr-lee", event.ParticipantID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestWebSocketSignalerConnectionLost(t *testing.T) {
	server := newSignalingServer(t, "joined", true)
	signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")
	defer signaler.Close()

	_, err := signaler.Connect(context.Background(), "tok")
	require.NoError(t, err)

	server.CloseClientConnections()

	select {
	case event := <-signaler.Events():
		assert.Equal(t, SignalConnectionLost, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection_lost after the transport dropped")
	}
}

func TestWebSocketSignalerClose(t *testing.T) {
	server := newSignalingServer(t, "joined", true)
	signaler := NewWebSocketSignaler(server.wsURL(), "exam-room", "patient-7")

	_, err := signaler.Connect(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, signaler.Close())
	require.NoError(t, signaler.Close())

	_, open := <-signaler.Events()
	assert.False(t, open, "events channel closes with the signaler")
}

func TestWebSocketSignalerLeaveWithoutConnection(t *testing.T) {
	signaler := NewWebSocketSignaler("ws://127.0.0.1:1/ws", "exam-room", "patient-7")
	assert.NoError(t, signaler.Leave(context.Background()))
}
