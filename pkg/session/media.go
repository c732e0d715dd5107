package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TrackConstraints describe the desired capture parameters for one
// track.
type TrackConstraints struct {
	Width            int
	Height           int
	FrameRate        float64
	SampleRate       int
	EchoCancellation bool
}

// Constraints describe a full acquisition request.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	AudioTrack    TrackConstraints
	VideoTrack    TrackConstraints
}

// DefaultConstraints returns a sensible acquisition request: both track
// kinds, 720p video, echo-cancelled audio, default devices.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: true,
		Video: true,
		AudioTrack: TrackConstraints{
			SampleRate:       48000,
			EchoCancellation: true,
		},
		VideoTrack: TrackConstraints{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
		},
	}
}

// MediaTrack is one live capture track held by a stream handle.
// Implementations wrap the host platform's capture pipeline.
type MediaTrack interface {
	// ID uniquely identifies the track.
	ID() string

	// Kind reports whether this is an audio or video track.
	Kind() TrackKind

	// DeviceID is the device this track captures from.
	DeviceID() string

	// SetEnabled toggles the track without stopping it, so re-enabling
	// is instantaneous and requires no renegotiation.
	SetEnabled(enabled bool)

	// Enabled reports the current toggle state.
	Enabled() bool

	// Resolution returns the capture dimensions of a video track, or
	// (0, 0) for audio.
	Resolution() (width, height int)

	// NextSample blocks for the next captured sample: a raw RGBA frame
	// for video, 16-bit little-endian PCM for audio. A disabled track
	// still produces samples (silence or black frames) so downstream
	// consumers keep a continuous timeline.
	NextSample(ctx context.Context) (media.Sample, error)

	// Stop releases the underlying hardware. Stopping twice is safe.
	Stop()
}

// MediaPlatform abstracts the host's device and capture surface.
type MediaPlatform interface {
	// EnumerateDevices lists the currently available devices. Labels may
	// be empty until at least one media stream has been acquired.
	EnumerateDevices(ctx context.Context) ([]DeviceDescriptor, error)

	// OpenTrack opens a capture track on the given device. An empty
	// deviceID selects the platform default. Blocks while the platform
	// permission prompt is pending, so callers must pass a cancellable
	// context.
	OpenTrack(ctx context.Context, kind TrackKind, deviceID string, c TrackConstraints) (MediaTrack, error)
}

// MediaStreamHandle owns zero-or-one live audio track and zero-or-one
// live video track. Exactly one local handle exists per session; remote
// handles exist one per connected participant.
//
// The handle is mutated only by the acquirer (toggle, release) and the
// device registry (switch); all other components read from it.
type MediaStreamHandle struct {
	mu            sync.RWMutex
	participantID string
	local         bool
	audio         MediaTrack
	video         MediaTrack
	released      bool
}

// NewRemoteStreamHandle creates a handle for a remote participant's
// tracks.
func NewRemoteStreamHandle(participantID string) *MediaStreamHandle {
	return &MediaStreamHandle{participantID: participantID}
}

// ParticipantID returns the owning participant's identity, or empty for
// the local handle.
func (h *MediaStreamHandle) ParticipantID() string {
	return h.participantID
}

// Local reports whether this is the session's local handle.
func (h *MediaStreamHandle) Local() bool {
	return h.local
}

// AudioTrack returns the live audio track, or nil.
func (h *MediaStreamHandle) AudioTrack() MediaTrack {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.audio
}

// VideoTrack returns the live video track, or nil.
func (h *MediaStreamHandle) VideoTrack() MediaTrack {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.video
}

// Released reports whether the handle's tracks have been stopped.
func (h *MediaStreamHandle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Toggle flips the enabled flag on the given track kind. The track is
// not stopped or restarted.
func (h *MediaStreamHandle) Toggle(kind TrackKind, enabled bool) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.released {
		return fmt.Errorf("toggle %s: handle already released", kind)
	}

	track := h.audio
	if kind == TrackVideo {
		track = h.video
	}
	if track == nil {
		return fmt.Errorf("toggle %s: no live track", kind)
	}
	track.SetEnabled(enabled)
	return nil
}

// attach sets a track slot. Used during acquisition only.
func (h *MediaStreamHandle) attach(track MediaTrack) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if track.Kind() == TrackAudio {
		h.audio = track
	} else {
		h.video = track
	}
}

// swap replaces the track of the replacement's kind and returns the old
// track, still running. The caller stops the old track after the swap so
// there is never an instant with zero live tracks of that kind.
func (h *MediaStreamHandle) swap(replacement MediaTrack) MediaTrack {
	h.mu.Lock()
	defer h.mu.Unlock()

	var old MediaTrack
	if replacement.Kind() == TrackAudio {
		old = h.audio
		h.audio = replacement
	} else {
		old = h.video
		h.video = replacement
	}
	return old
}

// Release stops all tracks and marks the handle released. Safe to call
// more than once; only the first call has any effect.
func (h *MediaStreamHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	if h.audio != nil {
		h.audio.Stop()
	}
	if h.video != nil {
		h.video.Stop()
	}
}

// MediaAcquirer requests and holds the session's local media stream.
//
// Its most important property is guaranteed release: every exit path —
// explicit release, an error partway through acquisition, or session
// teardown — stops all acquired tracks so camera and microphone hardware
// never remain locked.
type MediaAcquirer struct {
	mu       sync.Mutex
	platform MediaPlatform
	handle   *MediaStreamHandle
}

// NewMediaAcquirer creates an acquirer over the given platform.
func NewMediaAcquirer(platform MediaPlatform) *MediaAcquirer {
	return &MediaAcquirer{platform: platform}
}

// Acquire opens the local tracks described by the constraints and
// returns the local stream handle.
//
// If a live handle already exists it is returned unchanged: a preview
// acquisition made before the call connects is reused rather than
// re-acquired, avoiding a second permission prompt and a hardware-busy
// failure on platforms enforcing single-consumer camera access.
//
// On any mid-acquisition error, tracks opened so far are stopped before
// the error is returned.
func (a *MediaAcquirer) Acquire(ctx context.Context, c Constraints) (*MediaStreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle != nil && !a.handle.Released() {
		return a.handle, nil
	}

	handle := &MediaStreamHandle{local: true}
	ok := false
	defer func() {
		if !ok {
			handle.Release()
		}
	}()

	if c.Audio {
		track, err := a.platform.OpenTrack(ctx, TrackAudio, c.AudioDeviceID, c.AudioTrack)
		if err != nil {
			return nil, fmt.Errorf("acquire audio: %w", err)
		}
		handle.attach(track)
	}
	if c.Video {
		track, err := a.platform.OpenTrack(ctx, TrackVideo, c.VideoDeviceID, c.VideoTrack)
		if err != nil {
			return nil, fmt.Errorf("acquire video: %w", err)
		}
		handle.attach(track)
	}

	ok = true
	a.handle = handle
	logger.GetLogger().Infow("acquired local media",
		"audio", c.Audio,
		"video", c.Video)
	return handle, nil
}

// Handle returns the current local handle, or nil if none is held.
func (a *MediaAcquirer) Handle() *MediaStreamHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Toggle flips the enabled flag on the local track of the given kind.
func (a *MediaAcquirer) Toggle(kind TrackKind, enabled bool) error {
	a.mu.Lock()
	handle := a.handle
	a.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("toggle %s: no local stream", kind)
	}
	return handle.Toggle(kind, enabled)
}

// SwitchDevice replaces the local track of the given kind with one
// capturing from the new device. The replacement is opened before the
// old track is torn down, so the session is never without a working
// track of that kind. If opening the replacement fails, the old track
// keeps running and the error is returned.
func (a *MediaAcquirer) SwitchDevice(ctx context.Context, kind TrackKind, deviceID string, c TrackConstraints) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle == nil || a.handle.Released() {
		return fmt.Errorf("switch %s device: no local stream", kind)
	}

	replacement, err := a.platform.OpenTrack(ctx, kind, deviceID, c)
	if err != nil {
		return fmt.Errorf("switch %s device: %w", kind, err)
	}

	old := a.handle.swap(replacement)
	if old != nil {
		replacement.SetEnabled(old.Enabled())
		old.Stop()
	}

	logger.GetLogger().Infow("switched media device",
		"kind", string(kind),
		"deviceID", deviceID)
	return nil
}

// Release stops all local tracks. Safe to call on every teardown path
// regardless of whether acquisition ever completed.
func (a *MediaAcquirer) Release() {
	a.mu.Lock()
	handle := a.handle
	a.handle = nil
	a.mu.Unlock()

	if handle != nil {
		handle.Release()
	}
}
