package session

import (
	"encoding/binary"
	"testing"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOf(data []byte) media.Sample {
	return media.Sample{Data: data}
}

// solidFrame builds a frame filled with one RGBA color.
func solidFrame(w, h int, r, g, b byte) VideoFrame {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = r, g, b, 0xff
	}
	return VideoFrame{Width: w, Height: h, Data: data}
}

// pixelAt reads the RGBA pixel at (x, y) of a composed frame.
func pixelAt(frame VideoFrame, x, y int) [4]byte {
	var px [4]byte
	copy(px[:], frame.Data[(y*frame.Width+x)*4:])
	return px
}

func TestCompositorCompose(t *testing.T) {
	t.Run("local fills the left half", func(t *testing.T) {
		c := NewCompositor(16, 8)
		out := c.Compose(solidFrame(4, 4, 0xff, 0, 0), nil)

		require.Equal(t, 16, out.Width)
		require.Equal(t, 8, out.Height)
		assert.Equal(t, [4]byte{0xff, 0, 0, 0xff}, pixelAt(out, 3, 3), "left half shows the local stream")
		assert.Equal(t, [4]byte{0x10, 0x10, 0x10, 0xff}, pixelAt(out, 12, 3), "right half stays background")
	})

	t.Run("single remote fills the right half", func(t *testing.T) {
		c := NewCompositor(16, 8)
		out := c.Compose(solidFrame(4, 4, 0xff, 0, 0), []VideoFrame{solidFrame(4, 4, 0, 0xff, 0)})

		assert.Equal(t, [4]byte{0xff, 0, 0, 0xff}, pixelAt(out, 3, 3))
		assert.Equal(t, [4]byte{0, 0xff, 0, 0xff}, pixelAt(out, 12, 3))
	})

	t.Run("multiple remotes tile a grid", func(t *testing.T) {
		c := NewCompositor(16, 8)
		remotes := []VideoFrame{
			solidFrame(4, 4, 0, 0xff, 0),
			solidFrame(4, 4, 0, 0, 0xff),
			solidFrame(4, 4, 0xff, 0xff, 0),
			solidFrame(4, 4, 0xff, 0, 0xff),
		}
		out := c.Compose(VideoFrame{}, remotes)

		// 2x2 grid on the right half: cells are 4x4.
		assert.Equal(t, [4]byte{0, 0xff, 0, 0xff}, pixelAt(out, 9, 1))
		assert.Equal(t, [4]byte{0, 0, 0xff, 0xff}, pixelAt(out, 13, 1))
		assert.Equal(t, [4]byte{0xff, 0xff, 0, 0xff}, pixelAt(out, 9, 5))
		assert.Equal(t, [4]byte{0xff, 0, 0xff, 0xff}, pixelAt(out, 13, 5))
	})

	t.Run("missing frames leave background", func(t *testing.T) {
		c := NewCompositor(8, 8)
		out := c.Compose(VideoFrame{}, []VideoFrame{{}})
		assert.Equal(t, [4]byte{0x10, 0x10, 0x10, 0xff}, pixelAt(out, 2, 2))
	})

	t.Run("short frame data is skipped", func(t *testing.T) {
		c := NewCompositor(8, 8)
		out := c.Compose(VideoFrame{Width: 4, Height: 4, Data: []byte{1, 2, 3}}, nil)
		assert.Equal(t, [4]byte{0x10, 0x10, 0x10, 0xff}, pixelAt(out, 1, 1))
	})
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestMixAudio(t *testing.T) {
	t.Run("no input", func(t *testing.T) {
		assert.Nil(t, MixAudio(nil))
		assert.Nil(t, MixAudio([][]byte{}))
	})

	t.Run("sums sources", func(t *testing.T) {
		mixed := MixAudio([][]byte{pcm16(100, -50), pcm16(25, 75)})
		assert.Equal(t, pcm16(125, 25), mixed)
	})

	t.Run("clamps at the sample limits", func(t *testing.T) {
		high := MixAudio([][]byte{pcm16(30000), pcm16(30000)})
		assert.Equal(t, pcm16(32767), high)

		low := MixAudio([][]byte{pcm16(-30000), pcm16(-30000)})
		assert.Equal(t, pcm16(-32768), low)
	})

	t.Run("short input pads with silence", func(t *testing.T) {
		mixed := MixAudio([][]byte{pcm16(10), pcm16(1, 2)})
		assert.Equal(t, pcm16(11, 2), mixed)
	})
}

func TestSegmentEncoder(t *testing.T) {
	factory := SegmentEncoderFactory{}

	t.Run("format negotiation", func(t *testing.T) {
		format, err := negotiateFormat(factory, []string{"video/webm", segmentFormat})
		require.NoError(t, err)
		assert.Equal(t, segmentFormat, format)

		_, err = negotiateFormat(factory, []string{"video/webm"})
		assert.ErrorIs(t, err, ErrUnsupportedFormat)

		_, err = factory.New("video/webm")
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("interleaves length-prefixed records", func(t *testing.T) {
		encoder, err := factory.New(segmentFormat)
		require.NoError(t, err)

		require.NoError(t, encoder.WriteVideo(sampleOf([]byte{1, 2, 3})))
		require.NoError(t, encoder.WriteAudio(sampleOf([]byte{4, 5})))

		out, err := encoder.Flush()
		require.NoError(t, err)

		require.Len(t, out, 5+3+5+2)
		assert.Equal(t, byte('v'), out[0])
		assert.Equal(t, uint32(3), binary.BigEndian.Uint32(out[1:5]))
		assert.Equal(t, []byte{1, 2, 3}, out[5:8])
		assert.Equal(t, byte('a'), out[8])
		assert.Equal(t, uint32(2), binary.BigEndian.Uint32(out[9:13]))
	})

	t.Run("flush resets the buffer", func(t *testing.T) {
		encoder, err := factory.New(segmentFormat)
		require.NoError(t, err)

		require.NoError(t, encoder.WriteVideo(sampleOf([]byte{1})))
		first, err := encoder.Flush()
		require.NoError(t, err)
		assert.NotEmpty(t, first)

		second, err := encoder.Flush()
		require.NoError(t, err)
		assert.Empty(t, second)
	})
}
