package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	recognizer map[string]func(RecognizeConfig) (asr.Recognizer, error)
	summarizer map[string]func(SummarizeConfig) (summarize.Provider, error)
	vad        map[string]func(AudioConfig) (vad.Detector, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizer: make(map[string]func(RecognizeConfig) (asr.Recognizer, error)),
		summarizer: make(map[string]func(SummarizeConfig) (summarize.Provider, error)),
		vad:        make(map[string]func(AudioConfig) (vad.Detector, error)),
	}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(RecognizeConfig) (asr.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// RegisterSummarizer registers a summarization provider factory under name.
func (r *Registry) RegisterSummarizer(name string, factory func(SummarizeConfig) (summarize.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summarizer[name] = factory
}

// RegisterVAD registers an activity detector factory under name.
func (r *Registry) RegisterVAD(name string, factory func(AudioConfig) (vad.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateRecognizer instantiates a recognizer using the factory registered
// under cfg.Provider.Name. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateRecognizer(cfg RecognizeConfig) (asr.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[cfg.Provider.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, cfg.Provider.Name)
	}
	return factory(cfg)
}

// CreateSummarizer instantiates a summarization provider using the factory
// registered under cfg.Provider.Name.
func (r *Registry) CreateSummarizer(cfg SummarizeConfig) (summarize.Provider, error) {
	r.mu.RLock()
	factory, ok := r.summarizer[cfg.Provider.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: summarize/%q", ErrProviderNotRegistered, cfg.Provider.Name)
	}
	return factory(cfg)
}

// CreateVAD instantiates an activity detector using the factory registered
// under cfg.VAD.Name.
func (r *Registry) CreateVAD(cfg AudioConfig) (vad.Detector, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.VAD.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.VAD.Name)
	}
	return factory(cfg)
}
