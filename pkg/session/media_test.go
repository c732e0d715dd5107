package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaAcquirerAcquire(t *testing.T) {
	t.Run("opens both tracks", func(t *testing.T) {
		platform := &fakePlatform{}
		acquirer := NewMediaAcquirer(platform)

		handle, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.NoError(t, err)
		require.NotNil(t, handle)
		assert.NotNil(t, handle.AudioTrack())
		assert.NotNil(t, handle.VideoTrack())
		assert.True(t, handle.Local())
	})

	t.Run("reuses live preview acquisition", func(t *testing.T) {
		platform := &fakePlatform{}
		acquirer := NewMediaAcquirer(platform)

		first, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.NoError(t, err)

		second, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Len(t, platform.openedTracks(), 2, "no re-acquisition should happen")
	})

	t.Run("stops acquired tracks when a later open fails", func(t *testing.T) {
		platform := &fakePlatform{
			openErrFor: map[TrackKind]error{TrackVideo: ErrHardwareError},
		}
		acquirer := NewMediaAcquirer(platform)

		_, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHardwareError)

		opened := platform.openedTracks()
		require.Len(t, opened, 1, "audio opened before video failed")
		assert.Equal(t, 1, opened[0].stopCount(), "partially acquired track must be released")
		assert.Nil(t, acquirer.Handle())
	})

	t.Run("permission refusal surfaces the sentinel", func(t *testing.T) {
		platform := &fakePlatform{openErr: ErrPermissionDenied}
		acquirer := NewMediaAcquirer(platform)

		_, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestMediaAcquirerRelease(t *testing.T) {
	platform := &fakePlatform{}
	acquirer := NewMediaAcquirer(platform)

	handle, err := acquirer.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	acquirer.Release()
	acquirer.Release()

	assert.True(t, handle.Released())
	for _, track := range platform.openedTracks() {
		assert.Equal(t, 1, track.stopCount(), "each track stops exactly once")
	}
}

func TestMediaAcquirerToggle(t *testing.T) {
	platform := &fakePlatform{}
	acquirer := NewMediaAcquirer(platform)

	_, err := acquirer.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, acquirer.Toggle(TrackVideo, false))

	video := acquirer.Handle().VideoTrack()
	assert.False(t, video.Enabled())
	assert.Equal(t, 0, video.(*fakeTrack).stopCount(), "toggle must not stop the track")

	require.NoError(t, acquirer.Toggle(TrackVideo, true))
	assert.True(t, video.Enabled())
}

func TestMediaAcquirerSwitchDevice(t *testing.T) {
	t.Run("replacement opened before old track stops", func(t *testing.T) {
		platform := &fakePlatform{}
		acquirer := NewMediaAcquirer(platform)

		_, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.NoError(t, err)

		old := acquirer.Handle().VideoTrack().(*fakeTrack)
		old.SetEnabled(false)

		require.NoError(t, acquirer.SwitchDevice(context.Background(), TrackVideo, "cam-2", TrackConstraints{}))

		replacement := acquirer.Handle().VideoTrack().(*fakeTrack)
		assert.NotSame(t, old, replacement)
		assert.Equal(t, "cam-2", replacement.DeviceID())
		assert.Equal(t, 1, old.stopCount())
		assert.False(t, replacement.Enabled(), "enabled state carries over from the old track")
	})

	t.Run("old track survives a failed switch", func(t *testing.T) {
		platform := &fakePlatform{}
		acquirer := NewMediaAcquirer(platform)

		_, err := acquirer.Acquire(context.Background(), DefaultConstraints())
		require.NoError(t, err)

		old := acquirer.Handle().VideoTrack().(*fakeTrack)
		platform.mu.Lock()
		platform.openErr = ErrHardwareError
		platform.mu.Unlock()

		err = acquirer.SwitchDevice(context.Background(), TrackVideo, "cam-2", TrackConstraints{})
		require.Error(t, err)
		assert.Same(t, old, acquirer.Handle().VideoTrack().(*fakeTrack))
		assert.Equal(t, 0, old.stopCount())
	})

	t.Run("no stream is an error", func(t *testing.T) {
		acquirer := NewMediaAcquirer(&fakePlatform{})
		err := acquirer.SwitchDevice(context.Background(), TrackVideo, "cam-2", TrackConstraints{})
		assert.Error(t, err)
	})
}

func TestMediaStreamHandleToggleAfterRelease(t *testing.T) {
	handle := &MediaStreamHandle{local: true}
	handle.attach(newFakeTrack("a", TrackAudio, "mic-1"))
	handle.Release()

	err := handle.Toggle(TrackAudio, false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
}
