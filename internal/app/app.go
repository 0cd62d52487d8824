// Package app wires all Mimamori subsystems into a running monitor.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture pipeline and viewer server, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithRecognizer, WithSummarizer, etc.). When an option is not provided,
// New creates real implementations from the config via the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mimamori-dev/mimamori/internal/alert"
	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/internal/health"
	"github.com/mimamori-dev/mimamori/internal/incident"
	"github.com/mimamori-dev/mimamori/internal/keyword"
	"github.com/mimamori-dev/mimamori/internal/live"
	"github.com/mimamori-dev/mimamori/internal/observe"
	"github.com/mimamori-dev/mimamori/internal/recognize"
	"github.com/mimamori-dev/mimamori/internal/segment"
	"github.com/mimamori-dev/mimamori/internal/transcript"
	"github.com/mimamori-dev/mimamori/internal/window"
	"github.com/mimamori-dev/mimamori/pkg/audio"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
	"github.com/mimamori-dev/mimamori/pkg/provider/vad"
)

// sourceRestartMax caps the capture watchdog's reopen backoff.
const sourceRestartMax = 30 * time.Second

// App owns all subsystem lifetimes and orchestrates the monitoring pipeline.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Providers — created from the registry unless injected.
	recognizer asr.Recognizer
	summarizer summarize.Provider
	detector   vad.Detector
	source     audio.ChunkSource
	alertFn    recognize.AlertFunc

	// Subsystems — initialised in New, torn down in Shutdown.
	store     *transcript.Store
	records   *incident.RecordStore
	queue     *incident.Queue
	worker    *incident.Worker
	engine    *recognize.Engine
	segmenter *segment.Segmenter
	hub       *live.Hub
	httpSrv   *http.Server
	player    *alert.Player
	watcher   *config.KeywordWatcher
	metrics   *observe.Metrics
	role      transcript.Role

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRecognizer injects a recognizer instead of creating one from config.
func WithRecognizer(r asr.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithSummarizer injects a summarization provider instead of creating one
// from config.
func WithSummarizer(p summarize.Provider) Option {
	return func(a *App) { a.summarizer = p }
}

// WithDetector injects an activity detector instead of creating one from
// config.
func WithDetector(d vad.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithChunkSource injects a capture source instead of reading stdin. An
// injected source is not reopened by the watchdog: when it fails or drains,
// the capture loop ends.
func WithChunkSource(s audio.ChunkSource) Option {
	return func(a *App) { a.source = s }
}

// WithAlertFunc injects the keyword alert sink instead of the sound player.
func WithAlertFunc(fn recognize.AlertFunc) Option {
	return func(a *App) { a.alertFn = fn }
}

// WithRegistry overrides the provider registry. Defaults to
// [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any provider.
//
// New performs all initialisation synchronously: store and queue setup
// (including requeueing pending jobs left by a crash), keyword loading,
// provider construction, and engine assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: DefaultRegistry(),
		role:     transcript.RoleCustomer,
	}
	for _, o := range opts {
		o(a)
	}
	if cfg.Audio.Role != "" {
		a.role = transcript.Role(cfg.Audio.Role)
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	store, err := transcript.NewStore(cfg.Transcript.Dir)
	if err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}
	a.store = store

	// ── 2. Incident queue + worker ───────────────────────────────────────
	if err := a.initIncidents(ctx); err != nil {
		return nil, fmt.Errorf("app: init incidents: %w", err)
	}

	// ── 3. Keywords ──────────────────────────────────────────────────────
	matcher, err := a.initKeywords()
	if err != nil {
		return nil, fmt.Errorf("app: init keywords: %w", err)
	}

	// ── 4. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 5. Alert + metrics ───────────────────────────────────────────────
	a.player = alert.New(cfg.Alert.SoundFile,
		alert.WithCooldown(time.Duration(cfg.Alert.CooldownSec)*time.Second))
	if a.alertFn == nil {
		a.alertFn = a.player.Trigger
	}
	a.metrics = observe.DefaultMetrics()

	// ── 6. Recognition engine ────────────────────────────────────────────
	engine, err := recognize.NewEngine(a.recognizer, matcher, a.store, a.sampleRate(),
		recognize.WithFinalWorkers(cfg.Recognize.FinalWorkers),
		recognize.WithFinalTimeout(time.Duration(cfg.Recognize.FinalTimeoutSec)*time.Second),
		recognize.WithDenylist(cfg.Recognize.Denylist),
		recognize.WithAlert(a.alertFn),
		recognize.WithFlag(a.flagIncident),
		recognize.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.engine = engine
	a.closers = append(a.closers, engine.Close)

	// ── 7. Segmenter ─────────────────────────────────────────────────────
	a.segmenter = segment.New(a.detector, segment.Config{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		PrePad:       time.Duration(cfg.Segmenter.PrePadMs) * time.Millisecond,
		PostPad:      time.Duration(cfg.Segmenter.PostPadMs) * time.Millisecond,
		PauseMerge:   time.Duration(cfg.Segmenter.PauseMergeMs) * time.Millisecond,
		MaxUtterance: time.Duration(cfg.Segmenter.MaxUtteranceMs) * time.Millisecond,
	})

	// ── 8. Viewer server ─────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIncidents sets up the record store, the durable job queue, and the
// summarization worker. Jobs left pending by a previous run are requeued.
func (a *App) initIncidents(ctx context.Context) error {
	out := a.cfg.Summarize.OutputDir

	records, err := incident.NewRecordStore(out)
	if err != nil {
		return err
	}
	a.records = records

	queue, err := incident.NewQueue(filepath.Join(out, "pending"), records)
	if err != nil {
		return err
	}
	if err := queue.Reconcile(); err != nil {
		return fmt.Errorf("reconcile pending jobs: %w", err)
	}
	a.queue = queue

	if a.summarizer == nil {
		p, err := a.registry.CreateSummarizer(a.cfg.Summarize)
		if err != nil {
			return err
		}
		a.summarizer = p
	}

	workerOpts := []incident.WorkerOption{
		incident.WithRetryBudget(a.cfg.Summarize.RetryBudget),
		incident.WithJobTimeout(time.Duration(a.cfg.Summarize.TimeoutSec) * time.Second),
	}
	if dsn := a.cfg.Summarize.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		archive := incident.NewPostgresArchive(pool)
		if err := archive.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("migrate postgres: %w", err)
		}
		workerOpts = append(workerOpts, incident.WithArchiver(archive))
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	worker, err := incident.NewWorker(queue, records, a.summarizer,
		filepath.Join(out, "errors"), workerOpts...)
	if err != nil {
		return err
	}
	a.worker = worker
	return nil
}

// initKeywords loads the keyword file and starts the hot-reload watcher.
// Edits to the file take effect on the next poll without a restart.
func (a *App) initKeywords() (*keyword.Matcher, error) {
	kw := a.cfg.Keywords
	matcherOpts := []keyword.Option{
		keyword.WithThreshold(kw.Threshold),
		keyword.WithMinLength(kw.MinLength),
	}

	watcher, err := config.NewKeywordWatcher(kw.File, func(rules []keyword.Rule) {
		m, err := keyword.NewMatcher(rules, matcherOpts...)
		if err != nil {
			slog.Warn("keyword reload produced unusable rules, keeping previous set",
				"file", kw.File, "err", err)
			return
		}
		if a.engine != nil {
			a.engine.SetMatcher(m)
			slog.Info("keyword rules reloaded", "file", kw.File, "rules", len(rules))
		}
	})
	if err != nil {
		return nil, err
	}
	a.watcher = watcher
	a.closers = append(a.closers, func() error {
		watcher.Stop()
		return nil
	})

	return keyword.NewMatcher(watcher.Current(), matcherOpts...)
}

// initProviders fills the recognizer and detector slots from the registry
// unless they were injected.
func (a *App) initProviders() error {
	if a.recognizer == nil {
		r, err := a.registry.CreateRecognizer(a.cfg.Recognize)
		if err != nil {
			return err
		}
		a.recognizer = r
	}
	if a.detector == nil {
		d, err := a.registry.CreateVAD(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.detector = d
	}
	return nil
}

// initServer assembles the viewer HTTP server: live hub, REST + websocket
// handlers, health probes, and the metrics endpoint.
func (a *App) initServer() {
	a.hub = live.NewHub(a.store)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	h := health.New(
		health.DirWritable("transcript_dir", a.cfg.Transcript.Dir),
		health.DirWritable("incident_dir", a.cfg.Summarize.OutputDir),
	)

	srv := live.NewServer(a.hub, a.store, a.records, h,
		live.WithComfortMessage(a.cfg.Server.ComfortMessage),
		live.WithServerMetrics(a.metrics),
	)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Incident flagging ───────────────────────────────────────────────────────

// flagIncident is the engine's flag callback: it builds the context window
// around the flagged utterance and enqueues a summarization job. Duplicate
// flags for the same anchor are absorbed by the queue.
func (a *App) flagIncident(date string, utt transcript.Utterance) {
	utts, err := a.store.Utterances(date)
	if err != nil {
		slog.Error("flag: load transcript", "date", date, "err", err)
		return
	}

	anchorIdx := -1
	for i := len(utts) - 1; i >= 0; i-- {
		if utts[i].EntryID == utt.EntryID {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		slog.Error("flag: anchor not in transcript", "date", date, "entry", utt.EntryID)
		return
	}

	win, err := window.Build(utts, anchorIdx, window.Config{
		MinDuration: time.Duration(a.cfg.Window.MinSec) * time.Second,
		MaxDuration: time.Duration(a.cfg.Window.MaxSec) * time.Second,
		MaxTokens:   a.cfg.Window.TokenBudget,
	})
	if err != nil {
		slog.Error("flag: build window", "date", date, "entry", utt.EntryID, "err", err)
		return
	}

	turns := make([]summarize.Turn, len(win.Turns))
	for i, t := range win.Turns {
		turns[i] = summarize.Turn{
			Role: string(t.Role),
			Text: t.Text,
			Time: t.Timestamp,
		}
	}

	var ngWord string
	if len(utt.Hits) > 0 {
		ngWord = utt.Hits[0]
	}

	accepted, err := a.queue.Enqueue(&incident.Job{
		AnchorID:   utt.EntryID,
		Date:       date,
		AnchorTime: utt.Timestamp,
		NGWord:     ngWord,
		Severity:   utt.Severity,
		Turns:      turns,
		LineRange:  [2]int{win.FirstPos, win.LastPos},
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		slog.Error("flag: enqueue", "date", date, "entry", utt.EntryID, "err", err)
		return
	}
	if !accepted {
		slog.Debug("flag: anchor already handled", "date", date, "entry", utt.EntryID)
		return
	}
	slog.Info("incident flagged",
		"date", date, "entry", utt.EntryID, "ng_word", ngWord, "severity", utt.Severity)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the capture pipeline, the summarization worker, and the viewer
// HTTP server, then blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("summarization worker stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.captureLoop(ctx)
	}()

	go func() {
		slog.Info("viewer server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("viewer server failed", "err", err)
		}
	}()

	slog.Info("monitor running", "role", a.role)
	<-ctx.Done()

	wg.Wait()
	return ctx.Err()
}

// captureLoop pumps the capture source through the segmenter into the
// engine. When the stdin source fails mid-stream the loop reopens it with
// exponential backoff; an injected source is never reopened.
func (a *App) captureLoop(ctx context.Context) {
	backoff := time.Second

	for {
		src := a.source
		if src == nil {
			s, err := audio.NewStdinSource(a.cfg.Audio.SampleRate, a.cfg.Audio.Channels, a.cfg.Audio.FrameMs)
			if err != nil {
				slog.Error("open capture source", "err", err)
				return
			}
			src = s
		}

		err := a.pump(ctx, src)
		a.flushSegments(ctx)

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			slog.Info("capture stream drained")
			return
		case a.source != nil:
			// Injected sources are owned by the test; don't retry.
			slog.Error("capture source failed", "err", err)
			return
		}

		_ = src.Close()
		slog.Warn("capture source failed, reopening", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > sourceRestartMax {
			backoff = sourceRestartMax
		}
		a.segmenter.Reset()
	}
}

// pump reads chunks until the source fails or ctx ends, feeding completed
// segments to the engine.
func (a *App) pump(ctx context.Context, src audio.ChunkSource) error {
	for {
		chunk, err := src.Read(ctx)
		if err != nil {
			return err
		}
		for _, seg := range a.segmenter.Feed(chunk) {
			if err := a.engine.ProcessSegment(ctx, seg, a.role); err != nil {
				slog.Warn("recognition failed, utterance dropped", "err", err)
			}
		}
		if a.segmenter.Degraded() {
			slog.Debug("segmenter running on fallback detector")
		}
	}
}

// flushSegments closes out any half-open utterance when the stream ends.
func (a *App) flushSegments(ctx context.Context) {
	for _, seg := range a.segmenter.Flush() {
		if err := a.engine.ProcessSegment(ctx, seg, a.role); err != nil {
			slog.Warn("recognition failed on trailing utterance", "err", err)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the HTTP server stops taking
// connections first, then the closers run (engine, hub, watcher, archive).
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("viewer server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) sampleRate() int {
	if a.cfg.Audio.SampleRate > 0 {
		return a.cfg.Audio.SampleRate
	}
	return 16000
}
