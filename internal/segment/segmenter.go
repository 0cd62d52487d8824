// Package segment turns the continuous chunk stream from a capture source
// into discrete utterance-length audio segments, driven by a voice activity
// detector.
//
// The segmenter keeps a short ring of recent frames so a segment can be
// padded backwards to catch the word onset the detector missed, merges
// brief unvoiced gaps so one utterance does not fragment on a breath, and
// caps runaway segments so continuous speech cannot grow one segment
// without bound. Detector failures degrade to an energy heuristic instead
// of stopping the pipeline.
package segment

import (
	"log/slog"
	"time"

	"github.com/mimamori-dev/mimamori/pkg/audio"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad/energy"
)

const (
	// DefaultPrePad is how much audio before the first voiced frame is
	// included in a segment.
	DefaultPrePad = 200 * time.Millisecond

	// DefaultPostPad is how much trailing unvoiced audio is kept after the
	// last voiced frame.
	DefaultPostPad = 300 * time.Millisecond

	// DefaultPauseMerge is the unvoiced gap below which two voiced runs are
	// treated as one utterance.
	DefaultPauseMerge = 300 * time.Millisecond

	// DefaultMaxUtterance caps a single segment's duration.
	DefaultMaxUtterance = 6 * time.Second
)

// Config holds the segmentation parameters.
type Config struct {
	SampleRate int
	Channels   int

	// PrePad, PostPad, PauseMerge, MaxUtterance override the package
	// defaults when positive.
	PrePad       time.Duration
	PostPad      time.Duration
	PauseMerge   time.Duration
	MaxUtterance time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.PrePad <= 0 {
		c.PrePad = DefaultPrePad
	}
	if c.PostPad <= 0 {
		c.PostPad = DefaultPostPad
	}
	if c.PauseMerge <= 0 {
		c.PauseMerge = DefaultPauseMerge
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
}

// Segmenter assembles chunks into segments. It is stateful and must be
// driven from a single goroutine (the real-time pipeline loop).
type Segmenter struct {
	cfg      Config
	det      vad.Detector
	fallback vad.Detector
	degraded bool

	ring []audio.Chunk // recent frames for pre-padding, newest last

	open      bool
	buf       []byte        // accumulated PCM of the open segment
	start     time.Duration // stream offset of the open segment
	gap       time.Duration // unvoiced run inside the open segment
	gapBytes  int           // bytes of that unvoiced run sitting in buf
	voicedEnd time.Duration // stream offset just past the last voiced frame

	lastEnd time.Duration // end offset of the previously emitted segment
}

// New creates a Segmenter classifying frames with det. When det fails at
// runtime the segmenter permanently switches to the built-in energy
// detector for the rest of the stream.
func New(det vad.Detector, cfg Config) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		cfg:      cfg,
		det:      det,
		fallback: energy.New(),
	}
}

// Feed processes one chunk and returns any segments completed by it.
// Usually returns nil; returns one segment when a gap or the duration cap
// closes the open segment.
func (s *Segmenter) Feed(chunk audio.Chunk) []audio.Segment {
	if len(chunk.PCM) == 0 {
		return nil
	}
	voiced := s.classify(chunk.PCM)
	dur := audio.PCMDuration(len(chunk.PCM), s.cfg.SampleRate, s.cfg.Channels)

	var out []audio.Segment

	if !s.open {
		if voiced {
			s.openSegment(chunk, dur)
		} else {
			s.pushRing(chunk)
		}
		return nil
	}

	s.buf = append(s.buf, chunk.PCM...)
	if voiced {
		s.gap = 0
		s.gapBytes = 0
		s.voicedEnd = chunk.Offset + dur
	} else {
		s.gap += dur
		s.gapBytes += len(chunk.PCM)
		if s.gap > s.cfg.PauseMerge {
			out = append(out, s.close())
			s.pushRing(chunk)
			return out
		}
	}

	if audio.PCMDuration(len(s.buf), s.cfg.SampleRate, s.cfg.Channels) >= s.cfg.MaxUtterance {
		out = append(out, s.close())
	}
	return out
}

// Flush closes and returns the open segment, if any. Call at stream end or
// before a capture-source restart.
func (s *Segmenter) Flush() []audio.Segment {
	if !s.open {
		return nil
	}
	return []audio.Segment{s.close()}
}

// Reset discards all buffered state, including the open segment and the
// padding ring. The detector state is reset as well.
func (s *Segmenter) Reset() {
	s.open = false
	s.buf = nil
	s.ring = nil
	s.gap = 0
	s.gapBytes = 0
	s.det.Reset()
	s.fallback.Reset()
}

// Degraded reports whether the segmenter has fallen back to the energy
// detector.
func (s *Segmenter) Degraded() bool {
	return s.degraded
}

func (s *Segmenter) classify(frame []byte) bool {
	if !s.degraded {
		voiced, err := s.det.IsVoiced(frame)
		if err == nil {
			return voiced
		}
		s.degraded = true
		slog.Warn("segment: detector failed, falling back to energy heuristic", "error", err)
	}
	voiced, _ := s.fallback.IsVoiced(frame)
	return voiced
}

// openSegment starts a segment at chunk, pre-padded from the ring but never
// reaching back into the previously emitted segment.
func (s *Segmenter) openSegment(chunk audio.Chunk, dur time.Duration) {
	earliest := chunk.Offset - s.cfg.PrePad
	if earliest < s.lastEnd {
		earliest = s.lastEnd
	}

	s.buf = s.buf[:0]
	s.start = chunk.Offset
	// Ring is newest-last; walk backwards collecting frames inside the
	// padding window, then prepend them in stream order.
	var pad []audio.Chunk
	for i := len(s.ring) - 1; i >= 0; i-- {
		c := s.ring[i]
		if c.Offset < earliest || c.Offset >= chunk.Offset {
			break
		}
		pad = append(pad, c)
	}
	for i := len(pad) - 1; i >= 0; i-- {
		s.buf = append(s.buf, pad[i].PCM...)
	}
	if len(pad) > 0 {
		s.start = pad[len(pad)-1].Offset
	}

	s.buf = append(s.buf, chunk.PCM...)
	s.open = true
	s.gap = 0
	s.gapBytes = 0
	s.voicedEnd = chunk.Offset + dur
	s.ring = s.ring[:0]
}

// close emits the open segment, trimming trailing unvoiced audio beyond the
// post-pad.
func (s *Segmenter) close() audio.Segment {
	keepGap := s.gap
	trimBytes := 0
	if keepGap > s.cfg.PostPad {
		trim := keepGap - s.cfg.PostPad
		trimBytes = s.bytesFor(trim)
		if trimBytes > s.gapBytes {
			trimBytes = s.gapBytes
		}
	}
	pcm := make([]byte, len(s.buf)-trimBytes)
	copy(pcm, s.buf[:len(s.buf)-trimBytes])

	seg := audio.Segment{
		PCM:        pcm,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Start:      s.start,
	}
	seg.End = seg.Start + audio.PCMDuration(len(pcm), s.cfg.SampleRate, s.cfg.Channels)

	s.lastEnd = seg.End
	s.open = false
	s.buf = s.buf[:0]
	s.gap = 0
	s.gapBytes = 0
	return seg
}

// pushRing appends chunk to the padding ring, dropping frames older than
// the pre-pad window.
func (s *Segmenter) pushRing(chunk audio.Chunk) {
	s.ring = append(s.ring, chunk)
	cutoff := chunk.Offset - s.cfg.PrePad
	drop := 0
	for drop < len(s.ring) && s.ring[drop].Offset < cutoff {
		drop++
	}
	if drop > 0 {
		s.ring = append(s.ring[:0], s.ring[drop:]...)
	}
}

func (s *Segmenter) bytesFor(d time.Duration) int {
	b := int(d.Seconds() * float64(s.cfg.SampleRate) * float64(s.cfg.Channels) * 2)
	b -= b % (2 * s.cfg.Channels)
	return b
}
