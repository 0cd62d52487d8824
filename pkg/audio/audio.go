// Package audio defines the core audio types shared across the Mimamori
// pipeline: fixed-size PCM chunks as delivered by a capture source, and
// voiced segments as emitted by the segmenter.
//
// All PCM audio in this package is 16-bit signed little-endian.
package audio

import (
	"context"
	"time"
)

// Chunk is one fixed-size frame of PCM audio read from a capture source.
// Chunks are typically 20–30 ms long; the segmenter assembles them into
// utterance-length segments.
type Chunk struct {
	// PCM is the raw 16-bit signed little-endian sample data.
	PCM []byte

	// Offset is the chunk's position relative to the start of the stream.
	Offset time.Duration
}

// Segment is one contiguous voiced region of the input stream, including
// the pre/post padding applied by the segmenter.
type Segment struct {
	// PCM is the raw 16-bit signed little-endian sample data.
	PCM []byte

	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Start and End are stream offsets bounding the segment.
	Start time.Duration
	End   time.Duration
}

// Duration returns the segment length derived from its offsets.
func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// PCMDuration returns the playback duration of n bytes of 16-bit PCM at the
// given sample rate and channel count. Returns 0 for non-positive rates or
// channel counts.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ChunkSource delivers a continuous stream of fixed-size audio chunks.
//
// Read blocks until the next chunk is available, the source fails, or ctx is
// cancelled. A source that can no longer produce audio returns an error;
// the caller is expected to reinitialise it (hot-unplug recovery) rather
// than terminate.
type ChunkSource interface {
	Read(ctx context.Context) (Chunk, error)

	// Close releases the underlying device or stream. Calling Close more
	// than once is safe.
	Close() error
}
