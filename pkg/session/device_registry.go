package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"
)

// DeviceRegistry tracks the available media hardware and the current
// per-kind selection. Selecting a new camera or microphone while a local
// stream is live triggers a transactional device switch on the acquirer:
// the replacement track is opened before the old one is stopped.
type DeviceRegistry struct {
	mu        sync.RWMutex
	platform  MediaPlatform
	acquirer  *MediaAcquirer
	last      []DeviceDescriptor
	selection map[DeviceKind]string
}

// NewDeviceRegistry creates a registry over the given platform. The
// acquirer may be nil if the registry is used for enumeration only.
func NewDeviceRegistry(platform MediaPlatform, acquirer *MediaAcquirer) *DeviceRegistry {
	return &DeviceRegistry{
		platform:  platform,
		acquirer:  acquirer,
		selection: make(map[DeviceKind]string),
	}
}

// EnumerateDevices queries the platform and returns the devices grouped
// by kind. Enumeration failures degrade to empty lists rather than an
// error: on most platforms enumeration is denied (or labels are blank)
// until a media stream has been acquired, and callers treat that as "no
// devices yet", not a fault.
func (r *DeviceRegistry) EnumerateDevices(ctx context.Context) DeviceList {
	devices, err := r.platform.EnumerateDevices(ctx)
	if err != nil {
		logger.GetLogger().Warnw("device enumeration failed", err)
		return DeviceList{}
	}

	r.mu.Lock()
	r.last = devices
	r.mu.Unlock()

	var list DeviceList
	for _, d := range devices {
		switch d.Kind {
		case DeviceCamera:
			list.Cameras = append(list.Cameras, d)
		case DeviceMicrophone:
			list.Microphones = append(list.Microphones, d)
		case DeviceSpeaker:
			list.Speakers = append(list.Speakers, d)
		}
	}
	return list
}

// SelectDevice chooses the device of the given kind for subsequent
// capture. The ID must be present in the most recent enumeration;
// otherwise ErrDeviceNotFound is returned and the selection is left
// unchanged. Selecting the already-current device is a silent no-op.
//
// For cameras and microphones with a live local stream, selection
// triggers a device switch that keeps exactly one live track of the kind
// at every instant.
func (r *DeviceRegistry) SelectDevice(ctx context.Context, kind DeviceKind, deviceID string) error {
	r.mu.Lock()
	if !r.enumerated(kind, deviceID) {
		r.mu.Unlock()
		return fmt.Errorf("select %s %q: %w", kind, deviceID, ErrDeviceNotFound)
	}
	if r.selection[kind] == deviceID {
		r.mu.Unlock()
		return nil
	}
	prev, hadPrev := r.selection[kind]
	r.selection[kind] = deviceID
	r.mu.Unlock()

	trackKind, switchable := trackKindFor(kind)
	if !switchable || r.acquirer == nil {
		return nil
	}
	handle := r.acquirer.Handle()
	if handle == nil || handle.Released() {
		return nil
	}

	if err := r.acquirer.SwitchDevice(ctx, trackKind, deviceID, TrackConstraints{}); err != nil {
		// Roll the selection back so it keeps describing the device that
		// is actually capturing.
		r.mu.Lock()
		if hadPrev {
			r.selection[kind] = prev
		} else {
			delete(r.selection, kind)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Selection returns the currently selected device ID for the kind, or
// false if none has been chosen yet.
func (r *DeviceRegistry) Selection(kind DeviceKind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.selection[kind]
	return id, ok
}

// enumerated reports whether the device appears in the last enumeration.
// Caller holds r.mu.
func (r *DeviceRegistry) enumerated(kind DeviceKind, deviceID string) bool {
	for _, d := range r.last {
		if d.Kind == kind && d.ID == deviceID {
			return true
		}
	}
	return false
}

// trackKindFor maps a switchable device kind to its track kind. Speaker
// selection is an output routing concern with no capture track.
func trackKindFor(kind DeviceKind) (TrackKind, bool) {
	switch kind {
	case DeviceCamera:
		return TrackVideo, true
	case DeviceMicrophone:
		return TrackAudio, true
	default:
		return "", false
	}
}
