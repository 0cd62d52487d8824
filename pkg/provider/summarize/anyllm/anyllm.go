// Package anyllm provides a universal summarize.Provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. It is the escape hatch for deployments that want a local Ollama
// model or a provider without a dedicated backend here.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "qwen2.5:7b")
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

// Provider implements summarize.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "mistral", "groq", "llamacpp".
//
// opts are any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider
// falls back to the relevant environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider name %q", name)
	}
}

// Summarize implements summarize.Provider. any-llm-go has no universal
// structured-output mode, so the JSON shape is enforced by prompt and
// validated by ParseVerdict.
func (p *Provider) Summarize(ctx context.Context, req summarize.Request) (*summarize.Response, error) {
	temp := 0.2
	params := anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: summarize.SystemPrompt},
			{Role: anyllmlib.RoleUser, Content: summarize.UserPrompt(req)},
		},
		Temperature: &temp,
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		if isQuotaErr(err) {
			return nil, fmt.Errorf("anyllm: %w: %v", summarize.ErrQuota, err)
		}
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &summarize.MalformedError{Err: errors.New("empty choices in response")}
	}

	out, err := summarize.ParseVerdict(resp.Choices[0].Message.ContentString())
	if err != nil {
		return nil, err
	}
	out.Model = p.model
	return out, nil
}

// isQuotaErr reports whether err looks like a rate-limit rejection. any-llm
// backends do not share a typed error, so this falls back to message
// inspection.
func isQuotaErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota")
}

// Compile-time assertion that Provider satisfies summarize.Provider.
var _ summarize.Provider = (*Provider)(nil)
