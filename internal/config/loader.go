package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":       {"whisper", "whisper-native"},
	"vad":       {"energy"},
	"summarize": {"gemini", "openai", "anyllm"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [0, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.Role != "" && cfg.Audio.Role != "customer" && cfg.Audio.Role != "staff" {
		errs = append(errs, fmt.Errorf("audio.role %q is invalid; valid values: customer, staff", cfg.Audio.Role))
	}

	// Segmenter
	if cfg.Segmenter.PrePadMs < 0 || cfg.Segmenter.PostPadMs < 0 || cfg.Segmenter.PauseMergeMs < 0 || cfg.Segmenter.MaxUtteranceMs < 0 {
		errs = append(errs, errors.New("segmenter durations must not be negative"))
	}

	// Recognize
	if cfg.Recognize.FinalWorkers < 0 {
		errs = append(errs, fmt.Errorf("recognize.final_workers %d must not be negative", cfg.Recognize.FinalWorkers))
	}
	if cfg.Recognize.FinalTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("recognize.final_timeout_sec %d must not be negative", cfg.Recognize.FinalTimeoutSec))
	}

	// Keywords
	if cfg.Keywords.Threshold < 0 || cfg.Keywords.Threshold > 100 {
		errs = append(errs, fmt.Errorf("keywords.threshold %d is out of range [0, 100]", cfg.Keywords.Threshold))
	}
	if cfg.Keywords.MinLength < 0 {
		errs = append(errs, fmt.Errorf("keywords.min_length %d must not be negative", cfg.Keywords.MinLength))
	}

	// Window
	if cfg.Window.MinSec < 0 || cfg.Window.MaxSec < 0 {
		errs = append(errs, errors.New("window durations must not be negative"))
	}
	if cfg.Window.MinSec > 0 && cfg.Window.MaxSec > 0 && cfg.Window.MinSec > cfg.Window.MaxSec {
		errs = append(errs, fmt.Errorf("window.min_sec %d exceeds window.max_sec %d", cfg.Window.MinSec, cfg.Window.MaxSec))
	}
	if cfg.Window.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("window.token_budget %d must not be negative", cfg.Window.TokenBudget))
	}

	// Summarize
	if cfg.Summarize.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("summarize.retry_budget %d must not be negative", cfg.Summarize.RetryBudget))
	}
	if cfg.Summarize.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("summarize.timeout_sec %d must not be negative", cfg.Summarize.TimeoutSec))
	}

	// Alert
	if cfg.Alert.CooldownSec < 0 {
		errs = append(errs, fmt.Errorf("alert.cooldown_sec %d must not be negative", cfg.Alert.CooldownSec))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Recognize.Provider.Name)
	validateProviderName("vad", cfg.Audio.VAD.Name)
	validateProviderName("summarize", cfg.Summarize.Provider.Name)

	// Availability warnings
	if cfg.Summarize.Provider.Name == "" {
		slog.Warn("no summarization provider configured; flagged incidents will queue without records")
	}
	if cfg.Keywords.File == "" {
		slog.Warn("keywords.file is empty; no keyword spotting will happen")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
