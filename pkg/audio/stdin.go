package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StreamSource reads raw 16-bit PCM from an io.Reader and slices it into
// fixed-size chunks. It is the default capture backend: the physical device
// is external to this system, so production deployments pipe device audio
// into stdin (e.g. from arecord or ffmpeg) and tests feed a bytes.Reader.
type StreamSource struct {
	r          io.Reader
	sampleRate int
	channels   int
	frameMs    int

	mu     sync.Mutex
	offset time.Duration
	closed bool
}

// NewStreamSource wraps r as a ChunkSource producing frames of frameMs
// milliseconds at the given sample rate and channel count.
func NewStreamSource(r io.Reader, sampleRate, channels, frameMs int) (*StreamSource, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: channel count must be positive, got %d", channels)
	}
	if frameMs <= 0 {
		return nil, fmt.Errorf("audio: frame duration must be positive, got %dms", frameMs)
	}
	return &StreamSource{
		r:          r,
		sampleRate: sampleRate,
		channels:   channels,
		frameMs:    frameMs,
	}, nil
}

// NewStdinSource returns a StreamSource reading from standard input.
func NewStdinSource(sampleRate, channels, frameMs int) (*StreamSource, error) {
	return NewStreamSource(os.Stdin, sampleRate, channels, frameMs)
}

// FrameBytes returns the byte size of one frame.
func (s *StreamSource) FrameBytes() int {
	return s.sampleRate * s.channels * 2 * s.frameMs / 1000
}

// Read returns the next chunk. It returns io.EOF once the underlying reader
// is exhausted and the final partial frame (if any) has been delivered.
func (s *StreamSource) Read(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, fmt.Errorf("audio: source is closed")
	}

	buf := make([]byte, s.FrameBytes())
	n, err := io.ReadFull(s.r, buf)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Chunk{}, err
	}
	// A short final read is still delivered as a (partial) chunk.
	c := Chunk{PCM: buf[:n], Offset: s.offset}
	s.offset += PCMDuration(n, s.sampleRate, s.channels)
	return c, nil
}

// Close marks the source closed. The underlying reader is closed as well if
// it implements io.Closer.
func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.r.(io.Closer); ok && s.r != os.Stdin {
		return c.Close()
	}
	return nil
}

var _ ChunkSource = (*StreamSource)(nil)
