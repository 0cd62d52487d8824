// Command mimamori is the main entry point for the Mimamori harassment
// monitor: stdin PCM in, live transcript + incident records out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mimamori-dev/mimamori/internal/app"
	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mimamori: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mimamori: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mimamori starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("monitor ready — pipe 16-bit PCM to stdin, Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Mimamori — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Recognizer", providerLabel(cfg.Recognize.Provider.Name, cfg.Recognize.FastModel))
	printEntry("VAD", providerLabel(cfg.Audio.VAD.Name, ""))
	printEntry("Summarizer", providerLabel(cfg.Summarize.Provider.Name, cfg.Summarize.Provider.Model))
	printEntry("Keywords", cfg.Keywords.File)
	printEntry("Transcripts", cfg.Transcript.Dir)
	printEntry("Incidents", cfg.Summarize.OutputDir)
	if cfg.Summarize.PostgresDSN != "" {
		printEntry("Archive", "postgres")
	} else {
		printEntry("Archive", "(disabled)")
	}
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printEntry(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s : %-19s  ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
