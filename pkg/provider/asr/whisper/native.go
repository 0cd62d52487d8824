// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
)

// NativeProvider implements asr.Recognizer using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. It loads two models at
// startup: a small one answering fast-mode calls and a larger one for
// final-mode calls. Both are shared across all concurrent calls; each call
// creates its own whisper context, which is cheap relative to inference.
type NativeProvider struct {
	fast     whisperlib.Model
	final    whisperlib.Model
	language string
	channels int

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g. "ja", "en"). Defaults to "ja".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeChannels sets the channel count of PCM passed to Recognize.
// Defaults to 1 (mono).
func WithNativeChannels(ch int) NativeOption {
	return func(p *NativeProvider) { p.channels = ch }
}

// NewNative creates a NativeProvider loading the fast-pass model from
// fastModelPath and the final-pass model from finalModelPath. When
// finalModelPath is empty the fast model serves both modes. The caller must
// call Close when the provider is no longer needed.
func NewNative(fastModelPath, finalModelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if fastModelPath == "" {
		return nil, errors.New("whisper: fastModelPath must not be empty")
	}
	fast, err := whisperlib.New(fastModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load fast model %q: %w", fastModelPath, err)
	}

	final := fast
	if finalModelPath != "" && finalModelPath != fastModelPath {
		final, err = whisperlib.New(finalModelPath)
		if err != nil {
			fast.Close()
			return nil, fmt.Errorf("whisper: load final model %q: %w", finalModelPath, err)
		}
	}

	p := &NativeProvider{
		fast:     fast,
		final:    final,
		language: defaultLanguage,
		channels: defaultChannels,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Recognize implements asr.Recognizer. The ctx deadline is honoured only
// between chunks of work: whisper.cpp inference itself is not cancellable
// mid-flight, so a timed-out call returns once inference completes.
func (p *NativeProvider) Recognize(ctx context.Context, pcm []byte, sampleRate int, mode asr.Mode) (asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if !mode.IsValid() {
		return asr.Result{}, fmt.Errorf("whisper: invalid mode %q", mode)
	}
	if len(pcm) == 0 {
		return asr.Result{}, nil
	}
	if sampleRate != 16000 {
		// whisper.cpp operates on 16 kHz input only.
		return asr.Result{}, fmt.Errorf("whisper: unsupported sample rate %d (need 16000)", sampleRate)
	}

	model := p.fast
	if mode == asr.ModeFinal {
		model = p.final
	}

	samples := pcmToFloat32Mono(pcm, p.channels)

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return asr.Result{Text: strings.Join(parts, " ")}, nil
}

// Close releases both whisper models. Safe to call more than once.
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.final != nil && p.final != p.fast {
			errs = append(errs, p.final.Close())
		}
		if p.fast != nil {
			errs = append(errs, p.fast.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// Compile-time assertion that NativeProvider satisfies asr.Recognizer.
var _ asr.Recognizer = (*NativeProvider)(nil)
