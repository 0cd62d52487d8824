// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to script voiced/unvoiced classifications and inspect the
// frames that were submitted:
//
//	det := &mock.Detector{Script: []bool{false, true, true, false}}
//	voiced, _ := det.IsVoiced(frame)
package mock

import (
	"sync"

	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
)

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Script holds the classification returned by successive IsVoiced calls.
	// Once exhausted, IsVoiced returns Default.
	Script []bool

	// Default is returned once Script is exhausted (or when Script is nil).
	Default bool

	// Err, if non-nil, is returned by every IsVoiced call.
	Err error

	// --- Call records ---

	// Frames records a copy of every frame passed to IsVoiced, in order.
	Frames [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int
}

// IsVoiced records the call and returns the next scripted classification.
func (d *Detector) IsVoiced(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.Frames = append(d.Frames, cp)
	if d.Err != nil {
		return false, d.Err
	}
	idx := len(d.Frames) - 1
	if idx < len(d.Script) {
		return d.Script[idx], nil
	}
	return d.Default, nil
}

// Reset records the call by incrementing ResetCallCount.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
}

// ResetCalls clears all recorded call history. Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frames = nil
	d.ResetCallCount = 0
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
