package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4/pkg/media"
)

// Encoder turns composed video and mixed audio samples into an encoded
// byte stream, flushed periodically into chunk payloads.
type Encoder interface {
	// WriteVideo appends one composed video sample.
	WriteVideo(sample media.Sample) error

	// WriteAudio appends one mixed audio sample.
	WriteAudio(sample media.Sample) error

	// Flush returns the bytes encoded since the previous flush and
	// resets the internal buffer.
	Flush() ([]byte, error)

	// Close releases encoder resources. Data not yet flushed is lost.
	Close() error
}

// EncoderFactory negotiates a recording format and creates encoders.
// Implementations wrap whatever encoding backend the host provides.
type EncoderFactory interface {
	// Supports reports whether the factory can encode the MIME format.
	Supports(format string) bool

	// New creates an encoder for a supported format.
	New(format string) (Encoder, error)
}

// segmentFormat is the format produced by the built-in segment encoder.
const segmentFormat = "video/x-tele-segment"

// SegmentEncoderFactory is the built-in encoding backend. It produces
// self-describing segments of interleaved samples rather than a
// compressed codec stream; hosts with hardware encoders plug in their
// own EncoderFactory instead.
type SegmentEncoderFactory struct{}

// Supports accepts only the segment format.
func (SegmentEncoderFactory) Supports(format string) bool {
	return format == segmentFormat
}

// New creates a segment encoder.
func (SegmentEncoderFactory) New(format string) (Encoder, error) {
	if format != segmentFormat {
		return nil, fmt.Errorf("segment encoder: %w: %s", ErrUnsupportedFormat, format)
	}
	return &segmentEncoder{}, nil
}

// segmentEncoder interleaves samples into length-prefixed records:
// 1 byte kind ('v' or 'a'), 4 bytes big-endian length, payload.
type segmentEncoder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (e *segmentEncoder) WriteVideo(sample media.Sample) error {
	return e.write('v', sample.Data)
}

func (e *segmentEncoder) WriteAudio(sample media.Sample) error {
	return e.write('a', sample.Data)
}

func (e *segmentEncoder) write(kind byte, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var header [5]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	e.buf.Write(header[:])
	e.buf.Write(data)
	return nil
}

func (e *segmentEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.buf.Len() == 0 {
		return nil, nil
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	return out, nil
}

func (e *segmentEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	return nil
}

// negotiateFormat returns the first format in preference order the
// factory supports, or ErrUnsupportedFormat when none is.
func negotiateFormat(factory EncoderFactory, preferences []string) (string, error) {
	for _, format := range preferences {
		if factory.Supports(format) {
			return format, nil
		}
	}
	return "", fmt.Errorf("format negotiation: %w (tried %d candidates)", ErrUnsupportedFormat, len(preferences))
}
