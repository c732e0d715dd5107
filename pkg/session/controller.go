package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/caremesh/telesession/pkg/analytics"
)

// TokenSource supplies the opaque media-relay credential attached to
// every connection attempt.
type TokenSource interface {
	Token() (string, error)
}

// AnalyticsSink receives the session's lifecycle events. Satisfied by
// both analytics.Correlator and analytics.Client so the session can sit
// on either side of the request/response boundary.
type AnalyticsSink interface {
	TrackEvent(ctx context.Context, event analytics.Event) error
}

// ControllerOptions configure one session controller.
type ControllerOptions struct {
	SessionID string
	Room      string
	Identity  string

	// Constraints for the local media acquisition.
	Constraints Constraints

	// QualityInterval between transport samples. Zero uses the monitor
	// default.
	QualityInterval time.Duration

	// ReconnectAttempts before a lost connection becomes unrecoverable.
	// Defaults to 3.
	ReconnectAttempts int
}

// ControllerDeps are the controller's collaborators. Signaler, Acquirer,
// and Tokens are required; everything else is optional.
type ControllerDeps struct {
	Signaler Signaler
	Acquirer *MediaAcquirer
	Tokens   TokenSource

	// Stats enables connection quality monitoring.
	Stats StatsSource

	// Encoders backs the composed recorder. Nil selects the built-in
	// segment encoder.
	Encoders EncoderFactory

	// Uploader receives recording chunks.
	Uploader ChunkUploader

	// Security seals recording payloads and guards connections.
	Security *SecurityMonitor

	// Transcriber receives the final audio, best-effort.
	Transcriber *TranscriptionClient

	// Analytics receives lifecycle events.
	Analytics AnalyticsSink

	// Metrics receives internal observations.
	Metrics *MetricsSink
}

// SessionController owns the connection state of a single video call.
// All state transitions flow through it; the recorder and quality
// monitor only read the state via predicates.
type SessionController struct {
	opts ControllerOptions
	deps ControllerDeps

	quality  *QualityMonitor
	recorder *ComposedRecorder

	mu            sync.Mutex
	state         ConnectionState
	failure       FailureReason
	failureDetail string
	disconnectAt  time.Time
	joinCancel    context.CancelFunc
	remotes       map[string]*MediaStreamHandle
	onState       func(from, to ConnectionState)

	eventStop chan struct{}
	eventWg   sync.WaitGroup
}

// validTransitions is the session lifecycle graph. StateFailed is
// additionally reachable from every non-terminal state.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateIdle:                  {StateRequestingPermissions},
	StateRequestingPermissions: {StateConnecting, StateDisconnecting},
	StateConnecting:            {StateConnected, StateWaitingRoom, StateDisconnecting},
	StateWaitingRoom:           {StateConnected, StateDisconnecting},
	StateConnected:             {StateDegraded, StateInBreakout, StateDisconnecting},
	StateDegraded:              {StateConnected, StateInBreakout, StateDisconnecting},
	StateInBreakout:            {StateConnected, StateDisconnecting},
	StateDisconnecting:         {StateEnded},
	StateEnded:                 {StateRequestingPermissions},
	StateFailed:                {StateRequestingPermissions},
}

// NewSessionController creates a controller. The quality monitor and
// composed recorder are constructed internally so their lifecycles stay
// subordinate to the state machine.
func NewSessionController(opts ControllerOptions, deps ControllerDeps) (*SessionController, error) {
	if deps.Signaler == nil || deps.Acquirer == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("new session controller: signaler, acquirer, and tokens are required")
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 3
	}

	c := &SessionController{
		opts:    opts,
		deps:    deps,
		state:   StateIdle,
		remotes: make(map[string]*MediaStreamHandle),
	}

	if deps.Stats != nil {
		c.quality = NewQualityMonitor(deps.Stats, QualityMonitorOptions{
			Interval:     opts.QualityInterval,
			Active:       func() bool { return c.State().Established() },
			OnTierChange: c.handleTierChange,
		})
	}

	factory := deps.Encoders
	if factory == nil {
		factory = SegmentEncoderFactory{}
	}
	c.recorder = NewComposedRecorder(c, factory, deps.Uploader, RecorderDeps{
		Quality:     c.quality,
		Security:    deps.Security,
		Transcriber: deps.Transcriber,
		Metrics:     deps.Metrics,
	})

	return c, nil
}

// State returns the current connection state.
func (c *SessionController) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the failure classification and human-readable detail
// once the session has failed.
func (c *SessionController) Failure() (FailureReason, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure, c.failureDetail
}

// OnStateChange registers a callback invoked after every transition.
func (c *SessionController) OnStateChange(fn func(from, to ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Quality returns the session's quality monitor, or nil when no stats
// source was provided.
func (c *SessionController) Quality() *QualityMonitor {
	return c.quality
}

// Recorder returns the session's composed recorder.
func (c *SessionController) Recorder() *ComposedRecorder {
	return c.recorder
}

// LocalStream implements StreamProvider.
func (c *SessionController) LocalStream() *MediaStreamHandle {
	return c.deps.Acquirer.Handle()
}

// RemoteStreams implements StreamProvider.
func (c *SessionController) RemoteStreams() []*MediaStreamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*MediaStreamHandle, 0, len(c.remotes))
	for _, h := range c.remotes {
		out = append(out, h)
	}
	return out
}

// Join runs the connection sequence: acquire media (reusing a preview
// acquisition when one exists), mint a credential, and perform the
// signaling handshake. On return the session is connected, parked in the
// waiting room, or failed.
//
// Join is idempotent: a join requested while a call attempt is already
// underway is a no-op. A leave requested at any point during Join aborts
// the attempt and lands in StateEnded, not StateFailed.
func (c *SessionController) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && !c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.failure = FailureNone
	c.failureDetail = ""
	jctx, cancel := context.WithCancel(ctx)
	c.joinCancel = cancel
	c.transitionLocked(StateRequestingPermissions)
	c.mu.Unlock()

	if _, err := c.deps.Acquirer.Acquire(jctx, c.opts.Constraints); err != nil {
		return c.joinAborted(err)
	}

	c.mu.Lock()
	if c.state != StateRequestingPermissions {
		// A leave raced the acquisition; teardown already ran.
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	token, err := c.deps.Tokens.Token()
	if err != nil {
		return c.joinAborted(fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}

	result, err := c.deps.Signaler.Connect(jctx, token)
	if err != nil {
		return c.joinAborted(err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if result.Admitted {
		c.transitionLocked(StateConnected)
	} else {
		c.transitionLocked(StateWaitingRoom)
	}
	c.eventStop = make(chan struct{})
	c.eventWg.Add(1)
	c.mu.Unlock()

	go c.eventLoop()
	if c.quality != nil {
		c.quality.Start()
	}

	c.trackEvent(analytics.EventSessionStart, "", nil)
	c.trackEvent(analytics.EventParticipantJoin, c.opts.Identity, nil)
	return nil
}

// joinAborted distinguishes a cancelled join (leave requested mid-join,
// which must land in ended) from a genuine failure.
func (c *SessionController) joinAborted(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return c.fail(err)
}

// Leave tears the session down. The quality monitor and recorder are
// stopped synchronously before the state machine advances past
// disconnecting, so no sample or chunk can be attributed to a state
// later than its capture. Media release runs on every path.
//
// Leaving an idle, already-ended, or failed session is a no-op. A leave
// during permission prompt or handshake aborts the in-flight attempt.
func (c *SessionController) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state.Terminal() || c.state == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	c.transitionLocked(StateDisconnecting)
	c.disconnectAt = time.Now()
	c.mu.Unlock()

	// Media hardware must be freed no matter what fails below.
	defer c.deps.Acquirer.Release()
	defer c.releaseRemotes()

	c.stopEventLoop()
	if c.quality != nil {
		c.quality.Stop()
	}
	if _, err := c.recorder.Stop(ctx); err != nil {
		logger.GetLogger().Warnw("recorder stop during teardown failed", err)
	}

	if err := c.deps.Signaler.Leave(ctx); err != nil {
		logger.GetLogger().Warnw("signaling leave failed", err)
	}
	if err := c.deps.Signaler.Close(); err != nil {
		logger.GetLogger().Warnw("signaling close failed", err)
	}

	c.trackEvent(analytics.EventParticipantLeave, c.opts.Identity, nil)
	c.trackEvent(analytics.EventSessionEnd, "", nil)

	c.transition(StateEnded)
	return nil
}

// DisconnectStartedAt returns when teardown began, zero before then.
func (c *SessionController) DisconnectStartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectAt
}

// fail moves the session to StateFailed from any non-terminal state,
// stopping observers and releasing media first so nothing keeps running
// against a dead call.
func (c *SessionController) fail(err error) error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return err
	}
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	c.failure = failureReasonFor(err)
	c.failureDetail = err.Error()
	c.mu.Unlock()

	defer c.deps.Acquirer.Release()
	defer c.releaseRemotes()

	c.stopEventLoop()
	if c.quality != nil {
		c.quality.Stop()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, rerr := c.recorder.Stop(stopCtx); rerr != nil {
		logger.GetLogger().Warnw("recorder stop during failure failed", rerr)
	}
	cancel()
	c.deps.Signaler.Close()

	c.trackEvent(analytics.EventError, "", map[string]string{"message": err.Error()})
	c.transition(StateFailed)

	logger.GetLogger().Errorw("session failed", err,
		"sessionID", c.opts.SessionID,
		"reason", c.failure.String())
	return err
}

// transition applies a state change under the lock.
func (c *SessionController) transition(to ConnectionState) {
	c.mu.Lock()
	c.transitionLocked(to)
	c.mu.Unlock()
}

// transitionLocked validates and applies a state change. Invalid
// transitions are refused and logged; StateFailed is always reachable
// from a non-terminal state. Caller holds c.mu.
func (c *SessionController) transitionLocked(to ConnectionState) {
	from := c.state
	if from == to {
		return
	}

	allowed := to == StateFailed && !from.Terminal()
	if !allowed {
		for _, next := range validTransitions[from] {
			if next == to {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		logger.GetLogger().Errorw("refusing invalid state transition", nil,
			"from", from.String(),
			"to", to.String())
		return
	}

	c.state = to
	callback := c.onState

	logger.GetLogger().Infow("session state changed",
		"sessionID", c.opts.SessionID,
		"from", from.String(),
		"to", to.String())
	if c.deps.Metrics != nil {
		c.deps.Metrics.Record("state_transition", map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
	}

	if callback != nil {
		// Callbacks run outside the lock once the mutation is visible.
		go callback(from, to)
	}
}

// handleTierChange is the quality monitor's one-way signal into the
// state machine: dropping to poor or worse degrades a connected call,
// recovering to good or better restores it.
func (c *SessionController) handleTierChange(from, to QualityTier) {
	c.mu.Lock()
	switch {
	case to <= TierPoor && c.state == StateConnected:
		c.transitionLocked(StateDegraded)
	case to >= TierGood && c.state == StateDegraded:
		c.transitionLocked(StateConnected)
	}
	c.mu.Unlock()

	c.trackEvent(analytics.EventQualityChange, "", map[string]string{"quality": to.String()})
}

// eventLoop consumes signaling events until teardown.
func (c *SessionController) eventLoop() {
	defer c.eventWg.Done()

	c.mu.Lock()
	stop := c.eventStop
	c.mu.Unlock()

	events := c.deps.Signaler.Events()
	for {
		select {
		case <-stop:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handleSignal(event)
		}
	}
}

func (c *SessionController) stopEventLoop() {
	c.mu.Lock()
	stop := c.eventStop
	c.eventStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		c.eventWg.Wait()
	}
}

func (c *SessionController) handleSignal(event SignalEvent) {
	switch event.Type {
	case SignalAdmitted:
		c.mu.Lock()
		if c.state == StateWaitingRoom {
			c.transitionLocked(StateConnected)
		}
		c.mu.Unlock()

	case SignalBreakoutMoved:
		c.mu.Lock()
		if c.state == StateConnected || c.state == StateDegraded {
			c.transitionLocked(StateInBreakout)
		}
		c.mu.Unlock()

	case SignalBreakoutReturned:
		c.mu.Lock()
		if c.state == StateInBreakout {
			c.transitionLocked(StateConnected)
		}
		c.mu.Unlock()

	case SignalParticipantJoined:
		c.mu.Lock()
		if _, exists := c.remotes[event.ParticipantID]; !exists {
			c.remotes[event.ParticipantID] = NewRemoteStreamHandle(event.ParticipantID)
		}
		c.mu.Unlock()
		c.trackEvent(analytics.EventParticipantJoin, event.ParticipantID, nil)

	case SignalParticipantLeft:
		c.mu.Lock()
		if handle, exists := c.remotes[event.ParticipantID]; exists {
			handle.Release()
			delete(c.remotes, event.ParticipantID)
		}
		c.mu.Unlock()
		c.trackEvent(analytics.EventParticipantLeave, event.ParticipantID, nil)

	case SignalConnectionLost:
		c.trackEvent(analytics.EventDisconnection, "", nil)
		// Run off the event loop goroutine: an exhausted reconnect fails
		// the session, and failing waits for this loop to drain.
		go c.reconnect()

	case SignalTerminated:
		// The server ended the call; run the normal teardown path off
		// the event loop goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.Leave(ctx)
		}()
	}
}

// reconnect retries the signaling handshake after a connection loss.
// Exhausting the attempt budget is unrecoverable and fails the session.
func (c *SessionController) reconnect() {
	if !c.State().Established() && c.State() != StateWaitingRoom {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		token, err := c.deps.Tokens.Token()
		if err != nil {
			lastErr = err
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err = c.deps.Signaler.Connect(ctx, token)
		cancel()
		if err == nil {
			c.trackEvent(analytics.EventReconnection, "", nil)
			logger.GetLogger().Infow("session reconnected",
				"sessionID", c.opts.SessionID,
				"attempt", attempt)
			return
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * time.Second)
	}

	c.fail(fmt.Errorf("reconnect exhausted: %w: %v", ErrNetwork, lastErr))
}

// releaseRemotes releases every remote stream handle.
func (c *SessionController) releaseRemotes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, handle := range c.remotes {
		handle.Release()
		delete(c.remotes, id)
	}
}

// trackEvent emits one analytics event, best-effort: a failed append is
// logged and dropped, never surfaced into the call path.
func (c *SessionController) trackEvent(eventType analytics.EventType, participantID string, metadata map[string]string) {
	if c.deps.Analytics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.deps.Analytics.TrackEvent(ctx, analytics.Event{
		SessionID:     c.opts.SessionID,
		Type:          eventType,
		ParticipantID: participantID,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	})
	if err != nil {
		logger.GetLogger().Warnw("analytics event dropped", err,
			"sessionID", c.opts.SessionID,
			"type", string(eventType))
	}
}
