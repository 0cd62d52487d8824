// Package asr defines the Recognizer interface for speech-to-text backends.
//
// Recognition is a blocking single-shot call over one utterance segment.
// The pipeline runs it twice per segment: a fast low-accuracy pass on the
// real-time path and a slower high-accuracy pass on a background worker.
// Backends map the requested Mode onto whatever speed/accuracy trade-off
// they support (a smaller model, a lower beam width, a greedy decode).
//
// Implementations must be safe for concurrent use: the fast and final
// passes of different segments may overlap.
package asr

import "context"

// Mode selects the speed/accuracy trade-off for one recognition call.
type Mode string

const (
	// ModeFast favours latency over accuracy. Used on the real-time path.
	ModeFast Mode = "fast"

	// ModeFinal favours accuracy over latency. Used by the background
	// correction pass.
	ModeFinal Mode = "final"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeFast || m == ModeFinal
}

// Result is the outcome of one recognition call.
type Result struct {
	// Text is the recognised text, trimmed. May be empty when the segment
	// contained no intelligible speech.
	Text string

	// Confidence is the backend's confidence in Text, in [0.0, 1.0].
	// Backends that do not expose a confidence report 0.
	Confidence float64
}

// Recognizer converts one PCM segment into text.
type Recognizer interface {
	// Recognize transcribes pcm (16-bit signed little-endian, mono or
	// interleaved) recorded at sampleRate. The call blocks until the backend
	// returns or ctx is done; final-pass callers are expected to attach a
	// deadline.
	Recognize(ctx context.Context, pcm []byte, sampleRate int, mode Mode) (Result, error)

	// Close releases backend resources. Calling Close more than once is safe.
	Close() error
}
