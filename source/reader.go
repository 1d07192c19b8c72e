package source

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrShortFrame is returned when the input ends partway through a frame.
var ErrShortFrame = errors.New("source: input ended mid-frame")

// FrameReader splits an io.Reader of concatenated raw frames into frames of
// a fixed size.
type FrameReader struct {
	r    io.Reader
	size int

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewFrameReader reads frames of frameSize bytes from r.
func NewFrameReader(r io.Reader, frameSize int) (*FrameReader, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("source: invalid frame size %d", frameSize)
	}
	return &FrameReader{r: r, size: frameSize}, nil
}

// Next returns the next frame in a new slice. It returns io.EOF when the
// input ends cleanly on a frame boundary, and ErrShortFrame when it does not.
func (fr *FrameReader) Next() ([]byte, error) {
	frame := make([]byte, fr.size)
	n, err := io.ReadFull(fr.r, frame)
	fr.bytes.Add(int64(n))
	switch {
	case err == nil:
		fr.frames.Add(1)
		return frame, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortFrame, n, fr.size)
	default:
		return nil, err
	}
}

// Frames returns the number of complete frames read.
func (fr *FrameReader) Frames() int64 { return fr.frames.Load() }

// Bytes returns the number of bytes consumed.
func (fr *FrameReader) Bytes() int64 { return fr.bytes.Load() }
