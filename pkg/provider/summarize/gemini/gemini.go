// Package gemini provides a summarize.Provider backed by the Google Gemini
// API. It uses structured output (a response schema with JSON MIME type) so
// the model is constrained to the verdict shape rather than merely asked
// for it.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

const defaultModel = "gemini-2.0-flash"

// Provider implements summarize.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the default model ("gemini-2.0-flash").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p := &Provider{client: client, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// verdictSchema constrains the response to the shared verdict shape.
var verdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":  {Type: genai.TypeString},
		"severity": {Type: genai.TypeInteger},
		"action":   {Type: genai.TypeString},
	},
	Required: []string{"summary", "severity", "action"},
}

// Summarize implements summarize.Provider.
func (p *Provider) Summarize(ctx context.Context, req summarize.Request) (*summarize.Response, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(summarize.SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    verdictSchema,
	}
	contents := []*genai.Content{
		genai.NewContentFromText(summarize.UserPrompt(req), genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		if isQuotaErr(err) {
			return nil, fmt.Errorf("gemini: %w: %v", summarize.ErrQuota, err)
		}
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, &summarize.MalformedError{Err: errors.New("empty response")}
	}
	out, err := summarize.ParseVerdict(text)
	if err != nil {
		return nil, err
	}
	out.Model = p.model
	return out, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// isQuotaErr reports whether err is a rate-limit or quota rejection.
func isQuotaErr(err error) bool {
	var ae genai.APIError
	if errors.As(err, &ae) {
		return ae.Code == 429
	}
	return strings.Contains(err.Error(), "RESOURCE_EXHAUSTED")
}

// Compile-time assertion that Provider satisfies summarize.Provider.
var _ summarize.Provider = (*Provider)(nil)
