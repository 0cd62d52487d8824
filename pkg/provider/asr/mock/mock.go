// Package mock provides test doubles for the asr package interfaces.
//
// Use Recognizer to script per-mode results and inspect submitted audio:
//
//	rec := &mock.Recognizer{
//	    FastResults:  []asr.Result{{Text: "hello"}},
//	    FinalResults: []asr.Result{{Text: "hello there"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
)

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	// PCM is a copy of the audio passed to Recognize.
	PCM []byte

	// SampleRate is the sample rate passed to Recognize.
	SampleRate int

	// Mode is the mode passed to Recognize.
	Mode asr.Mode
}

// Recognizer is a mock implementation of asr.Recognizer. Fast- and
// final-mode calls consume from separate scripts so a test can drive the
// two passes independently.
type Recognizer struct {
	mu sync.Mutex

	// FastResults are returned by successive ModeFast calls. Once exhausted,
	// the last element repeats; an empty slice yields a zero Result.
	FastResults []asr.Result

	// FinalResults are returned by successive ModeFinal calls, same
	// exhaustion rule as FastResults.
	FinalResults []asr.Result

	// FastErr, if non-nil, is returned by every ModeFast call.
	FastErr error

	// FinalErr, if non-nil, is returned by every ModeFinal call.
	FinalErr error

	// FinalDelay, if non-nil, is waited on before a ModeFinal call returns.
	// Used to simulate slow final passes; the call aborts with ctx.Err()
	// if the context expires first.
	FinalDelay <-chan struct{}

	// Calls records every Recognize invocation in order.
	Calls []RecognizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	fastIdx  int
	finalIdx int
}

// Recognize records the call and returns the next scripted result for mode.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int, mode asr.Mode) (asr.Result, error) {
	r.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.Calls = append(r.Calls, RecognizeCall{PCM: cp, SampleRate: sampleRate, Mode: mode})
	delay := r.FinalDelay
	r.mu.Unlock()

	if mode == asr.ModeFinal && delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == asr.ModeFinal {
		if r.FinalErr != nil {
			return asr.Result{}, r.FinalErr
		}
		return nextResult(r.FinalResults, &r.finalIdx), nil
	}
	if r.FastErr != nil {
		return asr.Result{}, r.FastErr
	}
	return nextResult(r.FastResults, &r.fastIdx), nil
}

// Close records the call and returns nil.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return nil
}

// ResetCalls clears all recorded call history and script positions.
func (r *Recognizer) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
	r.CloseCallCount = 0
	r.fastIdx = 0
	r.finalIdx = 0
}

func nextResult(script []asr.Result, idx *int) asr.Result {
	if len(script) == 0 {
		return asr.Result{}
	}
	i := *idx
	if i >= len(script) {
		i = len(script) - 1
	} else {
		*idx++
	}
	return script[i]
}

// Ensure Recognizer implements asr.Recognizer at compile time.
var _ asr.Recognizer = (*Recognizer)(nil)
