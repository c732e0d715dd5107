package session

import "encoding/binary"

// VideoFrame is one raw RGBA frame. Data holds width*height*4 bytes.
type VideoFrame struct {
	Width  int
	Height int
	Data   []byte
}

// Compositor draws the session's video streams onto one off-screen
// canvas with a fixed layout: the local stream fills the left half, and
// remote streams tile the right half in a grid. The canvas buffer is
// reused across frames.
type Compositor struct {
	width  int
	height int
	canvas []byte
}

// NewCompositor creates a compositor rendering at the given resolution.
func NewCompositor(width, height int) *Compositor {
	return &Compositor{
		width:  width,
		height: height,
		canvas: make([]byte, width*height*4),
	}
}

// Compose renders the local and remote frames into the canvas and
// returns the composed frame. The returned frame's data is only valid
// until the next Compose call.
func (c *Compositor) Compose(local VideoFrame, remotes []VideoFrame) VideoFrame {
	// Dark background where no stream is drawn.
	for i := range c.canvas {
		if i%4 == 3 {
			c.canvas[i] = 0xff
		} else {
			c.canvas[i] = 0x10
		}
	}

	half := c.width / 2
	if len(local.Data) > 0 {
		c.drawScaled(local, 0, 0, half, c.height)
	}

	if n := len(remotes); n > 0 {
		cols := 1
		for cols*cols < n {
			cols++
		}
		rows := (n + cols - 1) / cols
		cellW := (c.width - half) / cols
		cellH := c.height / rows
		for i, frame := range remotes {
			if len(frame.Data) == 0 {
				continue
			}
			x := half + (i%cols)*cellW
			y := (i / cols) * cellH
			c.drawScaled(frame, x, y, cellW, cellH)
		}
	}

	return VideoFrame{Width: c.width, Height: c.height, Data: c.canvas}
}

// drawScaled draws src into the destination rectangle using nearest
// neighbor sampling.
func (c *Compositor) drawScaled(src VideoFrame, dx, dy, dw, dh int) {
	if src.Width <= 0 || src.Height <= 0 || dw <= 0 || dh <= 0 {
		return
	}
	if len(src.Data) < src.Width*src.Height*4 {
		return
	}

	for y := 0; y < dh; y++ {
		sy := y * src.Height / dh
		rowOut := ((dy+y)*c.width + dx) * 4
		rowIn := sy * src.Width * 4
		for x := 0; x < dw; x++ {
			sx := x * src.Width / dw
			out := rowOut + x*4
			in := rowIn + sx*4
			if out+4 > len(c.canvas) {
				return
			}
			copy(c.canvas[out:out+4], src.Data[in:in+4])
		}
	}
}

// MixAudio sums any number of 16-bit little-endian PCM buffers into one
// mixed track, clamping at the sample limits. Shorter inputs contribute
// silence past their end; the output length matches the longest input.
func MixAudio(buffers [][]byte) []byte {
	maxLen := 0
	for _, b := range buffers {
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}
	if maxLen == 0 {
		return nil
	}
	maxLen -= maxLen % 2

	out := make([]byte, maxLen)
	for i := 0; i < maxLen; i += 2 {
		var sum int32
		for _, b := range buffers {
			if i+2 <= len(b) {
				sum += int32(int16(binary.LittleEndian.Uint16(b[i:])))
			}
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(sum)))
	}
	return out
}
