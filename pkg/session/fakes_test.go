package session

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/caremesh/telesession/pkg/analytics"
)

// fakeTrack is an in-memory MediaTrack producing a fixed sample.
type fakeTrack struct {
	id       string
	kind     TrackKind
	deviceID string
	width    int
	height   int
	sample   []byte

	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(id string, kind TrackKind, deviceID string) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, deviceID: deviceID, enabled: true}
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() TrackKind  { return t.kind }
func (t *fakeTrack) DeviceID() string { return t.deviceID }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Resolution() (int, int) {
	return t.width, t.height
}

func (t *fakeTrack) NextSample(ctx context.Context) (media.Sample, error) {
	return media.Sample{Data: t.sample}, nil
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fakePlatform is an in-memory MediaPlatform. openErr, when set, fails
// every OpenTrack; openErrFor fails a specific kind only.
type fakePlatform struct {
	mu         sync.Mutex
	devices    []DeviceDescriptor
	enumErr    error
	openErr    error
	openErrFor map[TrackKind]error
	opened     []*fakeTrack
	nextID     int
}

func (p *fakePlatform) EnumerateDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enumErr != nil {
		return nil, p.enumErr
	}
	return p.devices, nil
}

func (p *fakePlatform) OpenTrack(ctx context.Context, kind TrackKind, deviceID string, c TrackConstraints) (MediaTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	if err := p.openErrFor[kind]; err != nil {
		return nil, err
	}
	p.nextID++
	track := newFakeTrack(string(kind)+"-track", kind, deviceID)
	if kind == TrackVideo {
		track.width, track.height = 1280, 720
	}
	p.opened = append(p.opened, track)
	return track, nil
}

func (p *fakePlatform) openedTracks() []*fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*fakeTrack, len(p.opened))
	copy(out, p.opened)
	return out
}

// fakeSignaler is a scriptable Signaler.
type fakeSignaler struct {
	mu         sync.Mutex
	connectFn  func(ctx context.Context, token string) (JoinResult, error)
	connects   int
	leaves     int
	closes     int
	events     chan SignalEvent
	eventsOnce sync.Once
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{events: make(chan SignalEvent, 16)}
}

func (s *fakeSignaler) Connect(ctx context.Context, token string) (JoinResult, error) {
	s.mu.Lock()
	s.connects++
	fn := s.connectFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, token)
	}
	return JoinResult{Admitted: true}, nil
}

func (s *fakeSignaler) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
	return nil
}

func (s *fakeSignaler) Events() <-chan SignalEvent {
	return s.events
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.eventsOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSignaler) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// staticTokens is a TokenSource returning a fixed credential.
type staticTokens struct{ token string }

func (t staticTokens) Token() (string, error) { return t.token, nil }

// fakeStats is a StatsSource returning the currently set stats.
type fakeStats struct {
	mu    sync.Mutex
	stats TransportStats
	err   error
}

func (s *fakeStats) Sample(ctx context.Context) (TransportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.err
}

func (s *fakeStats) set(stats TransportStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// fakeUploader records uploads; failures counts down injected errors.
type fakeUploader struct {
	mu       sync.Mutex
	uploads  []RecordingChunk
	failures int
	err      error
}

func (u *fakeUploader) UploadChunk(ctx context.Context, sessionID string, chunk RecordingChunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return u.err
	}
	u.uploads = append(u.uploads, chunk)
	return nil
}

func (u *fakeUploader) uploaded() []RecordingChunk {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RecordingChunk, len(u.uploads))
	copy(out, u.uploads)
	return out
}

// memorySink collects analytics events in memory.
type memorySink struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (s *memorySink) TrackEvent(ctx context.Context, event analytics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) byType(eventType analytics.EventType) []analytics.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []analytics.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// staticStreams is a StreamProvider over fixed handles.
type staticStreams struct {
	local   *MediaStreamHandle
	remotes []*MediaStreamHandle
}

func (s *staticStreams) LocalStream() *MediaStreamHandle     { return s.local }
func (s *staticStreams) RemoteStreams() []*MediaStreamHandle { return s.remotes }

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
