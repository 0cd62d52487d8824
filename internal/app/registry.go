package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr/whisper"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize/anyllm"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize/gemini"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize/openai"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad/energy"
)

// DefaultRegistry returns a registry populated with every built-in provider:
// the whisper-server and in-process recognizers, the energy activity
// detector, and the gemini, openai, and anyllm summarization backends.
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()

	r.RegisterRecognizer("whisper", func(cfg config.RecognizeConfig) (asr.Recognizer, error) {
		opts := []whisper.Option{
			whisper.WithModels(cfg.FastModel, cfg.FinalModel),
		}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		return whisper.New(cfg.Provider.BaseURL, opts...)
	})

	r.RegisterRecognizer("whisper-native", func(cfg config.RecognizeConfig) (asr.Recognizer, error) {
		var opts []whisper.NativeOption
		if cfg.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.Language))
		}
		return whisper.NewNative(cfg.FastModel, cfg.FinalModel, opts...)
	})

	r.RegisterVAD("energy", func(config.AudioConfig) (vad.Detector, error) {
		return energy.New(), nil
	})

	r.RegisterSummarizer("gemini", func(cfg config.SummarizeConfig) (summarize.Provider, error) {
		var opts []gemini.Option
		if cfg.Provider.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Provider.Model))
		}
		return gemini.New(context.Background(), cfg.Provider.APIKey, opts...)
	})

	r.RegisterSummarizer("openai", func(cfg config.SummarizeConfig) (summarize.Provider, error) {
		var opts []openai.Option
		if cfg.Provider.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Provider.BaseURL))
		}
		if cfg.Provider.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Provider.Model))
		}
		if cfg.TimeoutSec > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(cfg.TimeoutSec)*time.Second))
		}
		return openai.New(cfg.Provider.APIKey, opts...)
	})

	// anyllm routes "backend/model" model strings, e.g. "ollama/qwen2.5:7b".
	r.RegisterSummarizer("anyllm", func(cfg config.SummarizeConfig) (summarize.Provider, error) {
		backend, model, ok := strings.Cut(cfg.Provider.Model, "/")
		if !ok {
			return nil, fmt.Errorf("anyllm model %q must be of the form backend/model", cfg.Provider.Model)
		}
		var opts []anyllmlib.Option
		if cfg.Provider.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Provider.APIKey))
		}
		if cfg.Provider.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.Provider.BaseURL))
		}
		return anyllm.New(backend, model, opts...)
	})

	return r
}
