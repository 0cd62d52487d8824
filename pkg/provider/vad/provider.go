// Package vad defines the Detector interface for voice activity detection
// backends.
//
// A detector classifies one fixed-size audio frame at a time as voiced or
// unvoiced. Classification is synchronous by design: IsVoiced returns
// immediately, making it suitable for the low-latency segmentation stage
// that gates recognition input.
//
// Implementations must be safe for use from the single pipeline goroutine;
// they are not required to be safe for concurrent use unless explicitly
// documented.
package vad

// Config holds the parameters for a detector. Frames passed to IsVoiced must
// match the configured sample rate and frame duration.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Common values: 8000, 16000,
	// 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// detectors operate on fixed frame sizes (10, 20, or 30 ms).
	FrameSizeMs int

	// Channels is the number of interleaved PCM channels. Defaults to 1.
	Channels int
}

// Detector classifies audio frames as voiced or unvoiced.
type Detector interface {
	// IsVoiced reports whether the frame contains speech. The frame must be
	// raw 16-bit signed little-endian PCM matching the Config the detector
	// was created with. Returns an error if the frame size is wrong or the
	// backend fails; callers are expected to fall back to a degraded
	// detector rather than stop the pipeline.
	IsVoiced(frame []byte) (bool, error)

	// Reset clears accumulated detection state (smoothing history, noise
	// floor estimates). Use when the audio stream is interrupted or
	// restarted.
	Reset()
}
