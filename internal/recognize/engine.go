// Package recognize runs the dual-stage recognition pipeline: a synchronous
// fast pass that gets a line into the transcript with minimal latency, and an
// asynchronous final pass that later replaces the same line with more
// accurate text, matched by entry id.
//
// The fast pass runs on the caller's goroutine (the capture path); the final
// pass runs on a bounded worker pool and never blocks capture. When the
// final pass times out or fails, the fast line simply stands.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mimamori-dev/mimamori/internal/keyword"
	"github.com/mimamori-dev/mimamori/internal/observe"
	"github.com/mimamori-dev/mimamori/internal/transcript"
	"github.com/mimamori-dev/mimamori/pkg/audio"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
)

const (
	// DefaultFinalWorkers bounds concurrent final-pass recognitions.
	DefaultFinalWorkers = 2

	// DefaultFinalTimeout caps one final-pass recognition call.
	DefaultFinalTimeout = 30 * time.Second

	// replaceAttempts and replaceRetryDelay govern the replace-vs-append
	// race: the final pass may complete before the fast append is visible,
	// so a missing line is retried briefly before falling back to append.
	replaceAttempts   = 3
	replaceRetryDelay = 50 * time.Millisecond
)

// AlertFunc is invoked on the fast path when a keyword hit is detected.
// Implementations must not block.
type AlertFunc func(severity int)

// FlagFunc is invoked when an utterance with keyword hits should be
// considered for summarization. It may be called once from the fast pass
// and, if only the final pass found hits, once more from the final pass.
// Downstream enqueue is idempotent per entry id.
type FlagFunc func(date string, utt transcript.Utterance)

// Engine drives both recognition passes against one Recognizer and writes
// results through the transcript store.
type Engine struct {
	rec        asr.Recognizer
	store      *transcript.Store
	sampleRate int

	matcherMu sync.RWMutex
	matcher   *keyword.Matcher

	denylist     map[string]struct{}
	alert        AlertFunc
	onFlag       FlagFunc
	metrics      *observe.Metrics
	finalTimeout time.Duration

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithFinalWorkers bounds the number of concurrent final-pass recognitions.
func WithFinalWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFinalTimeout caps one final-pass recognition call. On timeout the fast
// line stands.
func WithFinalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.finalTimeout = d
		}
	}
}

// WithDenylist sets the stock-phrase denylist. Recognized text that exactly
// equals a denylisted phrase (after trimming) is discarded before logging,
// at both stages.
func WithDenylist(phrases []string) Option {
	return func(e *Engine) {
		for _, p := range phrases {
			p = strings.TrimSpace(p)
			if p != "" {
				e.denylist[p] = struct{}{}
			}
		}
	}
}

// WithAlert sets the fast-path alert hook.
func WithAlert(fn AlertFunc) Option {
	return func(e *Engine) { e.alert = fn }
}

// WithFlag sets the summarization flag hook.
func WithFlag(fn FlagFunc) Option {
	return func(e *Engine) { e.onFlag = fn }
}

// WithMetrics sets the metrics sink. Without it the engine records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine. rec, matcher, and store are required;
// sampleRate is the PCM sample rate handed to the recognizer.
func NewEngine(rec asr.Recognizer, matcher *keyword.Matcher, store *transcript.Store, sampleRate int, opts ...Option) (*Engine, error) {
	var errs []error
	if rec == nil {
		errs = append(errs, errors.New("recognizer must not be nil"))
	}
	if matcher == nil {
		errs = append(errs, errors.New("matcher must not be nil"))
	}
	if store == nil {
		errs = append(errs, errors.New("store must not be nil"))
	}
	if sampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", sampleRate))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		rec:          rec,
		matcher:      matcher,
		store:        store,
		sampleRate:   sampleRate,
		denylist:     make(map[string]struct{}),
		finalTimeout: DefaultFinalTimeout,
		sem:          semaphore.NewWeighted(DefaultFinalWorkers),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetMatcher swaps the active keyword rule set. Utterances already in
// flight keep the rules they were matched under.
func (e *Engine) SetMatcher(m *keyword.Matcher) {
	if m == nil {
		return
	}
	e.matcherMu.Lock()
	e.matcher = m
	e.matcherMu.Unlock()
}

func (e *Engine) currentMatcher() *keyword.Matcher {
	e.matcherMu.RLock()
	defer e.matcherMu.RUnlock()
	return e.matcher
}

// ProcessSegment runs the fast pass synchronously, stores the resulting
// line, and schedules the final pass. Empty and denylisted recognitions are
// discarded silently. The returned error covers the fast path only; final
// pass failures leave the fast line standing and are logged.
func (e *Engine) ProcessSegment(ctx context.Context, seg audio.Segment, role transcript.Role) error {
	start := time.Now()
	res, err := e.rec.Recognize(ctx, seg.PCM, e.sampleRate, asr.ModeFast)
	if e.metrics != nil {
		e.metrics.FastRecognizeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordProviderError(ctx, "asr", "fast")
		}
		return fmt.Errorf("recognize: fast pass: %w", err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" || e.denylisted(text) {
		return nil
	}

	now := time.Now()
	hits := e.currentMatcher().Match(text)
	utt := transcript.Utterance{
		EntryID:   transcript.NewEntryID(),
		Role:      role,
		Timestamp: now,
		Stage:     transcript.StageFast,
		Text:      text,
		Hits:      keyword.Words(hits),
		Severity:  keyword.Severity(hits),
	}
	date := transcript.DateKey(now)

	if _, err := e.store.Append(date, utt); err != nil {
		return fmt.Errorf("recognize: store fast line: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordUtterance(ctx, string(transcript.StageFast))
		for _, h := range hits {
			e.metrics.RecordKeywordHit(ctx, h.Tier)
		}
	}

	if len(hits) > 0 {
		if e.alert != nil {
			e.alert(utt.Severity)
		}
		if e.onFlag != nil {
			e.onFlag(date, utt)
		}
	}

	e.scheduleFinal(seg, date, utt)
	return nil
}

// scheduleFinal runs the final pass on the pool. The acquire must not block:
// ProcessSegment is driven by the capture loop, so when every worker is busy
// the segment skips the final pass and the fast line stands.
func (e *Engine) scheduleFinal(seg audio.Segment, date string, fast transcript.Utterance) {
	if !e.sem.TryAcquire(1) {
		slog.Debug("final pass pool saturated, fast line stands",
			"entry_id", fast.EntryID)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.runFinal(seg, date, fast)
	}()
}

func (e *Engine) runFinal(seg audio.Segment, date string, fast transcript.Utterance) {
	ctx, cancel := context.WithTimeout(e.ctx, e.finalTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.rec.Recognize(ctx, seg.PCM, e.sampleRate, asr.ModeFinal)
	if e.metrics != nil {
		e.metrics.FinalRecognizeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordProviderError(ctx, "asr", "final")
		}
		slog.Warn("final pass failed, fast line stands",
			"entry_id", fast.EntryID, "error", err)
		return
	}

	text := strings.TrimSpace(res.Text)
	if text == "" || e.denylisted(text) {
		return
	}

	hits := e.currentMatcher().Match(text)
	severity := keyword.Severity(hits)
	if fast.Severity > severity {
		severity = fast.Severity
	}
	utt := transcript.Utterance{
		EntryID:   fast.EntryID,
		Role:      fast.Role,
		Timestamp: fast.Timestamp,
		Stage:     transcript.StageFinal,
		Text:      text,
		Hits:      keyword.Words(hits),
		Severity:  severity,
	}

	replaced := false
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		ok, err := e.store.Replace(date, utt)
		if err != nil {
			slog.Warn("final pass replace failed",
				"entry_id", fast.EntryID, "error", err)
			return
		}
		if ok {
			replaced = true
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(replaceRetryDelay):
		}
	}
	if !replaced {
		// The fast line never landed (lost the append race or was dropped).
		// Append the final text fresh rather than lose the turn.
		slog.Warn("final pass found no line to replace, appending fresh",
			"entry_id", fast.EntryID, "date", date)
		if _, err := e.store.Append(date, utt); err != nil {
			slog.Error("final pass fresh append failed",
				"entry_id", fast.EntryID, "error", err)
			return
		}
	}
	if e.metrics != nil {
		e.metrics.RecordUtterance(ctx, string(transcript.StageFinal))
		for _, h := range hits {
			e.metrics.RecordKeywordHit(ctx, h.Tier)
		}
	}

	// A hit the fast pass missed newly flags the incident. Fast-pass
	// flaggings are never retracted; downstream enqueue is idempotent.
	if len(hits) > 0 && len(fast.Hits) == 0 && e.onFlag != nil {
		e.onFlag(date, utt)
	}
}

func (e *Engine) denylisted(text string) bool {
	_, ok := e.denylist[text]
	return ok
}

// Close abandons in-flight final passes, waits for their goroutines to
// return, and closes the recognizer.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return e.rec.Close()
}
