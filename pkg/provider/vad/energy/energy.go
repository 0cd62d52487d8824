// Package energy provides a voice activity detector based on short-term
// signal energy with an adaptive noise floor.
//
// It is the built-in fallback when no external detector is available: less
// accurate than a model-based detector but dependency-free and cheap enough
// to run on every frame. The detector tracks a slowly-adapting noise floor
// and classifies a frame as voiced when its RMS energy exceeds the floor by
// a configurable ratio, with an absolute minimum to reject near-silence.
package energy

import (
	"encoding/binary"
	"math"

	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
)

const (
	// defaultMinRMS is the absolute RMS below which a frame is never voiced,
	// in PCM sample units (0–32767).
	defaultMinRMS = 250.0

	// defaultRatio is how far above the noise floor a frame's RMS must rise
	// to count as speech.
	defaultRatio = 2.0

	// floorAdapt is the exponential smoothing factor for the noise floor.
	// Only unvoiced frames update the floor, so sustained speech does not
	// drag it upward.
	floorAdapt = 0.05
)

// Detector implements vad.Detector using RMS energy thresholding.
type Detector struct {
	minRMS float64
	ratio  float64
	floor  float64
}

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithMinRMS sets the absolute RMS threshold below which frames are always
// classified unvoiced.
func WithMinRMS(rms float64) Option {
	return func(d *Detector) { d.minRMS = rms }
}

// WithRatio sets the speech-to-noise-floor ratio required for a voiced
// classification.
func WithRatio(r float64) Option {
	return func(d *Detector) { d.ratio = r }
}

// New creates an energy detector with the given options.
func New(opts ...Option) *Detector {
	d := &Detector{
		minRMS: defaultMinRMS,
		ratio:  defaultRatio,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// IsVoiced implements vad.Detector. It never returns an error.
func (d *Detector) IsVoiced(frame []byte) (bool, error) {
	rms := computeRMS(frame)

	if rms < d.minRMS {
		d.adaptFloor(rms)
		return false, nil
	}
	if d.floor == 0 {
		// First loud frame before any floor estimate exists.
		d.floor = d.minRMS
	}
	if rms >= d.floor*d.ratio {
		return true, nil
	}
	d.adaptFloor(rms)
	return false, nil
}

// Reset clears the adaptive noise floor.
func (d *Detector) Reset() {
	d.floor = 0
}

func (d *Detector) adaptFloor(rms float64) {
	if d.floor == 0 {
		d.floor = rms
		return
	}
	d.floor = (1-floorAdapt)*d.floor + floorAdapt*rms
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Compile-time assertion that Detector satisfies vad.Detector.
var _ vad.Detector = (*Detector)(nil)
