package app_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mimamori-dev/mimamori/internal/app"
	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/internal/incident"
	"github.com/mimamori-dev/mimamori/internal/transcript"
	"github.com/mimamori-dev/mimamori/pkg/audio"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
	asrmock "github.com/mimamori-dev/mimamori/pkg/provider/asr/mock"
	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
	summock "github.com/mimamori-dev/mimamori/pkg/provider/summarize/mock"
	vadmock "github.com/mimamori-dev/mimamori/pkg/provider/vad/mock"
)

// testConfig returns a config rooted in a temp directory with a two-tier
// keyword file already written.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	kwFile := filepath.Join(dir, "keywords.txt")
	if err := os.WriteFile(kwFile, []byte("level2=[ばか]\nlevel3=[ふざけるな]\n"), 0o644); err != nil {
		t.Fatalf("write keyword file: %v", err)
	}

	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:     "127.0.0.1:0",
			LogLevel:       config.LogWarn,
			ComfortMessage: "見守り中です",
		},
		Audio: config.AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			FrameMs:    30,
			Role:       "customer",
			VAD:        config.ProviderEntry{Name: "energy"},
		},
		Recognize: config.RecognizeConfig{
			Provider:        config.ProviderEntry{Name: "whisper"},
			FinalWorkers:    1,
			FinalTimeoutSec: 5,
		},
		Keywords: config.KeywordsConfig{
			File:      kwFile,
			Threshold: 88,
			MinLength: 2,
		},
		Transcript: config.TranscriptConfig{Dir: filepath.Join(dir, "transcript")},
		Window:     config.WindowConfig{MinSec: 12, MaxSec: 30, TokenBudget: 512},
		Summarize: config.SummarizeConfig{
			Provider:    config.ProviderEntry{Name: "gemini"},
			OutputDir:   filepath.Join(dir, "incidents"),
			RetryBudget: 2,
			TimeoutSec:  5,
		},
		Alert: config.AlertConfig{CooldownSec: 1},
	}
}

// voicedStream returns a ChunkSource delivering n frames of loud PCM, then
// draining. 30ms frames at 16kHz mono are 960 bytes.
func voicedStream(t *testing.T, n int) audio.ChunkSource {
	t.Helper()
	frame := make([]byte, 960)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x00
		frame[i+1] = 0x40 // amplitude 0x4000, well above any energy floor
	}
	src, err := audio.NewStreamSource(bytes.NewReader(bytes.Repeat(frame, n)), 16000, 1, 30)
	if err != nil {
		t.Fatalf("create stream source: %v", err)
	}
	return src
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)

	rec := &asrmock.Recognizer{
		FastResults:  []asr.Result{{Text: "ばか"}},
		FinalResults: []asr.Result{{Text: "ばか"}},
	}
	sum := &summock.Provider{
		Responses: []summock.Scripted{
			{Resp: &summarize.Response{Summary: "侮辱的な発言", Severity: 2, Action: "様子見"}},
		},
	}
	var alerted atomic.Int64

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg,
		app.WithRecognizer(rec),
		app.WithSummarizer(sum),
		app.WithDetector(&vadmock.Detector{Default: true}),
		app.WithChunkSource(voicedStream(t, 20)),
		app.WithAlertFunc(func(severity int) { alerted.Store(int64(severity)) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for sum.CallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the incident to be summarized")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := alerted.Load(); got != 2 {
		t.Errorf("alert severity = %d, want 2", got)
	}

	if len(sum.Calls) == 0 || sum.Calls[0].NGWord != "ばか" {
		t.Errorf("summarize request = %+v, want NGWord ばか", sum.Calls)
	}

	date := transcript.DateKey(time.Now())

	store, err := transcript.NewStore(cfg.Transcript.Dir)
	if err != nil {
		t.Fatalf("reopen transcript store: %v", err)
	}
	utts, err := store.Utterances(date)
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) == 0 {
		t.Fatal("no utterances logged")
	}
	if utts[0].Text != "ばか" || utts[0].Severity != 2 {
		t.Errorf("logged utterance = %+v, want text ばか severity 2", utts[0])
	}

	records, err := incident.NewRecordStore(cfg.Summarize.OutputDir)
	if err != nil {
		t.Fatalf("reopen record store: %v", err)
	}
	recs, err := records.List(date)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d incident records, want 1", len(recs))
	}
	if recs[0].NGWord != "ばか" || recs[0].Summary != "侮辱的な発言" {
		t.Errorf("record = %+v, want NGWord ばか with the scripted summary", recs[0])
	}
	if recs[0].AnchorID != utts[0].EntryID {
		t.Errorf("record anchor %q does not match logged entry %q", recs[0].AnchorID, utts[0].EntryID)
	}
}

func TestApp_CleanStreamProducesNoIncidents(t *testing.T) {
	cfg := testConfig(t)

	rec := &asrmock.Recognizer{
		FastResults:  []asr.Result{{Text: "いらっしゃいませ"}},
		FinalResults: []asr.Result{{Text: "いらっしゃいませ"}},
	}
	sum := &summock.Provider{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg,
		app.WithRecognizer(rec),
		app.WithSummarizer(sum),
		app.WithDetector(&vadmock.Detector{Default: true}),
		app.WithChunkSource(voicedStream(t, 20)),
		app.WithAlertFunc(func(int) { t.Error("alert fired on a clean stream") }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	date := transcript.DateKey(time.Now())
	store, err := transcript.NewStore(cfg.Transcript.Dir)
	if err != nil {
		t.Fatalf("reopen transcript store: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		utts, err := store.Utterances(date)
		if err != nil {
			t.Fatalf("Utterances: %v", err)
		}
		if len(utts) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the utterance to be logged")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-runErr
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := sum.CallCount(); n != 0 {
		t.Errorf("summarizer called %d times on a clean stream", n)
	}
}

func TestNew_MissingKeywordFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keywords.File = filepath.Join(t.TempDir(), "absent.txt")

	_, err := app.New(context.Background(), cfg,
		app.WithRecognizer(&asrmock.Recognizer{}),
		app.WithSummarizer(&summock.Provider{}),
		app.WithDetector(&vadmock.Detector{}),
	)
	if err == nil {
		t.Fatal("New succeeded without a keyword file")
	}
}

func TestNew_UnregisteredSummarizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Summarize.Provider.Name = "no-such-backend"

	_, err := app.New(context.Background(), cfg,
		app.WithRecognizer(&asrmock.Recognizer{}),
		app.WithDetector(&vadmock.Detector{}),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	cfg := testConfig(t)

	a, err := app.New(context.Background(), cfg,
		app.WithRecognizer(&asrmock.Recognizer{}),
		app.WithSummarizer(&summock.Provider{}),
		app.WithDetector(&vadmock.Detector{}),
		app.WithChunkSource(voicedStream(t, 1)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
