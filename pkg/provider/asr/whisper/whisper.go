// Package whisper provides asr.Recognizer implementations backed by
// whisper.cpp: an HTTP client for a running whisper-server instance
// (this file) and a native CGO binding (native.go).
//
// The HTTP provider maps the fast/final modes onto two model names so that
// a single server can host a small low-latency model alongside a larger
// accurate one. Requests are WAV-encoded multipart POSTs to the server's
// /inference endpoint.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
)

const (
	defaultLanguage = "ja"
	defaultChannels = 1

	// defaultHTTPTimeout bounds a single inference request end to end.
	defaultHTTPTimeout = 60 * time.Second
)

// Provider implements asr.Recognizer against a whisper-server HTTP endpoint.
type Provider struct {
	serverURL  string
	language   string
	channels   int
	fastModel  string
	finalModel string
	httpClient *http.Client
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language hint for transcription (e.g. "ja",
// "en"). Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithChannels sets the channel count of PCM passed to Recognize.
// Defaults to 1 (mono).
func WithChannels(ch int) Option {
	return func(p *Provider) { p.channels = ch }
}

// WithModels sets the model names sent for the fast and final modes. Empty
// values omit the model field, letting the server use its loaded default.
func WithModels(fast, final string) Option {
	return func(p *Provider) {
		p.fastModel = fast
		p.finalModel = final
	}
}

// WithHTTPClient overrides the default HTTP client (60 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider talking to the whisper-server at serverURL
// (e.g. "http://localhost:9000"). A trailing slash is trimmed.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		channels:  defaultChannels,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Recognize implements asr.Recognizer. It WAV-encodes pcm and POSTs it to
// the server's /inference endpoint as multipart/form-data.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, sampleRate int, mode asr.Mode) (asr.Result, error) {
	if !mode.IsValid() {
		return asr.Result{}, fmt.Errorf("whisper: invalid mode %q", mode)
	}
	if len(pcm) == 0 {
		return asr.Result{}, nil
	}

	wav := encodeWAV(pcm, sampleRate, p.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if model := p.modelFor(mode); model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	return asr.Result{Text: strings.TrimSpace(parsed.Text)}, nil
}

// Close implements asr.Recognizer. The HTTP provider holds no resources.
func (p *Provider) Close() error {
	return nil
}

func (p *Provider) modelFor(mode asr.Mode) string {
	if mode == asr.ModeFinal {
		return p.finalModel
	}
	return p.fastModel
}

// Compile-time assertion that Provider satisfies asr.Recognizer.
var _ asr.Recognizer = (*Provider)(nil)
