// Package openai provides a summarize.Provider backed by the OpenAI chat
// completions API in JSON mode.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

const defaultModel = "gpt-4o-mini"

// Provider implements summarize.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible local servers.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides the default model ("gpt-4o-mini").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New creates a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: cfg.model}, nil
}

// Summarize implements summarize.Provider.
func (p *Provider) Summarize(ctx context.Context, req summarize.Request) (*summarize.Response, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summarize.SystemPrompt),
			oai.UserMessage(summarize.UserPrompt(req)),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: param.NewOpt(0.2),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("openai: %w: %v", summarize.ErrQuota, err)
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &summarize.MalformedError{Err: errors.New("empty choices in response")}
	}

	out, err := summarize.ParseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	out.Model = p.model
	return out, nil
}

// Compile-time assertion that Provider satisfies summarize.Provider.
var _ summarize.Provider = (*Provider)(nil)
