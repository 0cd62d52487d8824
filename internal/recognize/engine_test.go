package recognize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mimamori-dev/mimamori/internal/keyword"
	"github.com/mimamori-dev/mimamori/internal/transcript"
	"github.com/mimamori-dev/mimamori/pkg/audio"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr"
	"github.com/mimamori-dev/mimamori/pkg/provider/asr/mock"
)

func newTestMatcher(t *testing.T) *keyword.Matcher {
	t.Helper()
	m, err := keyword.NewMatcher([]keyword.Rule{
		{Word: "ばか", Tier: 2},
		{Word: "ふざけるな", Tier: 3},
	})
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}
	return m
}

func newTestStore(t *testing.T) *transcript.Store {
	t.Helper()
	s, err := transcript.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

type flagRecorder struct {
	mu    sync.Mutex
	calls []transcript.Utterance
}

func (f *flagRecorder) flag(date string, utt transcript.Utterance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, utt)
}

func (f *flagRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *flagRecorder) at(i int) transcript.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// waitForStage polls the store until the line at pos reaches the wanted
// stage, or fails the test after two seconds.
func waitForStage(t *testing.T, store *transcript.Store, date string, pos int, stage transcript.Stage) transcript.Utterance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		utts, err := store.Utterances(date)
		if err != nil {
			t.Fatalf("Utterances() error = %v", err)
		}
		if len(utts) > pos && utts[pos].Stage == stage {
			return utts[pos]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("line %d never reached stage %q", pos, stage)
	return transcript.Utterance{}
}

func testSegment() audio.Segment {
	return audio.Segment{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}
}

func TestProcessSegment_FastThenFinalReplace(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults:  []asr.Result{{Text: "きょうはてんきがいい", Confidence: 0.6}},
		FinalResults: []asr.Result{{Text: "今日は天気がいい", Confidence: 0.95}},
	}
	store := newTestStore(t)

	var evMu sync.Mutex
	var events []transcript.Event
	store.Notify(func(ev transcript.Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	e, err := NewEngine(rec, newTestMatcher(t), store, 16000)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer e.Close()

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	waitForStage(t, store, date, 0, transcript.StageFinal)

	evMu.Lock()
	defer evMu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d store events, want append then replace: %+v", len(events), events)
	}
	fast, final := events[0], events[1]
	if fast.Type != transcript.EventAppend || fast.Utt.Stage != transcript.StageFast {
		t.Errorf("first event = %+v, want fast append", fast)
	}
	if final.Type != transcript.EventReplace || final.Utt.Stage != transcript.StageFinal {
		t.Errorf("second event = %+v, want final replace", final)
	}
	if final.Utt.Text != "今日は天気がいい" {
		t.Errorf("final text = %q", final.Utt.Text)
	}
	if final.Utt.EntryID != fast.Utt.EntryID {
		t.Errorf("entry id changed across passes: %q vs %q", fast.Utt.EntryID, final.Utt.EntryID)
	}
	if final.Pos != fast.Pos {
		t.Errorf("replace moved the line: pos %d vs %d", fast.Pos, final.Pos)
	}

	utts, _ := store.Utterances(date)
	if len(utts) != 1 {
		t.Fatalf("got %d lines, want 1 (replace must not append)", len(utts))
	}
}

func TestProcessSegment_FinalTimeoutLeavesFastLine(t *testing.T) {
	never := make(chan struct{})
	rec := &mock.Recognizer{
		FastResults: []asr.Result{{Text: "なんでもないです"}},
		FinalDelay:  never,
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithFinalTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleStaff); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	utts, err := store.Utterances(date)
	if err != nil {
		t.Fatalf("Utterances() error = %v", err)
	}
	if len(utts) != 1 || utts[0].Stage != transcript.StageFast {
		t.Fatalf("want single fast line after final timeout, got %+v", utts)
	}
}

func TestProcessSegment_SaturatedFinalPoolSkipsFinalPass(t *testing.T) {
	hold := make(chan struct{})
	rec := &mock.Recognizer{
		FastResults: []asr.Result{
			{Text: "いちばんめのはつわ"},
			{Text: "にばんめのはつわ"},
		},
		FinalResults: []asr.Result{{Text: "一番目の発話"}},
		FinalDelay:   hold,
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithFinalWorkers(1),
		WithFinalTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	// The first segment parks the only final-pass worker.
	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	// The capture loop must not wait for the busy pool.
	start := time.Now()
	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ProcessSegment blocked %v on a saturated final pool", elapsed)
	}

	close(hold)
	date := transcript.DateKey(time.Now())
	waitForStage(t, store, date, 0, transcript.StageFinal)
	e.Close()

	utts, _ := store.Utterances(date)
	if len(utts) != 2 {
		t.Fatalf("got %d lines, want 2", len(utts))
	}
	if utts[1].Stage != transcript.StageFast {
		t.Errorf("second line stage = %q, want fast to stand with no final pass", utts[1].Stage)
	}
	// Two fast calls plus the one admitted final call.
	if len(rec.Calls) != 3 {
		t.Errorf("got %d recognizer calls, want 3", len(rec.Calls))
	}
}

func TestProcessSegment_DenylistDiscardsFastStage(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults: []asr.Result{{Text: "いらっしゃいませ"}},
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithDenylist([]string{"いらっしゃいませ"}))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer e.Close()

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleStaff); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	utts, _ := store.Utterances(date)
	if len(utts) != 0 {
		t.Errorf("denylisted fast text was stored: %+v", utts)
	}
	// The final pass must not even be scheduled for a discarded segment.
	if len(rec.Calls) != 1 {
		t.Errorf("got %d recognizer calls, want 1", len(rec.Calls))
	}
}

func TestProcessSegment_DenylistedFinalLeavesFastLine(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults:  []asr.Result{{Text: "ありがとうございました か"}},
		FinalResults: []asr.Result{{Text: "ありがとうございました"}},
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithDenylist([]string{"ありがとうございました"}))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	e.Close()

	date := transcript.DateKey(time.Now())
	utts, _ := store.Utterances(date)
	if len(utts) != 1 || utts[0].Stage != transcript.StageFast {
		t.Fatalf("want fast line to stand when final is denylisted, got %+v", utts)
	}
}

func TestProcessSegment_EmptyFastDropped(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults: []asr.Result{{Text: "   "}},
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer e.Close()

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	utts, _ := store.Utterances(date)
	if len(utts) != 0 {
		t.Errorf("empty recognition was stored: %+v", utts)
	}
	if len(rec.Calls) != 1 {
		t.Errorf("got %d recognizer calls, want 1 (no final pass)", len(rec.Calls))
	}
}

func TestProcessSegment_FastHitAlertsAndFlagsOnce(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults:  []asr.Result{{Text: "このばかやろう"}},
		FinalResults: []asr.Result{{Text: "この ばか やろう"}},
	}
	store := newTestStore(t)
	flags := &flagRecorder{}

	var alertMu sync.Mutex
	var alerts []int
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithAlert(func(severity int) {
			alertMu.Lock()
			alerts = append(alerts, severity)
			alertMu.Unlock()
		}),
		WithFlag(flags.flag))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	waitForStage(t, store, date, 0, transcript.StageFinal)
	e.Close()

	alertMu.Lock()
	if len(alerts) != 1 || alerts[0] != 2 {
		t.Errorf("alerts = %v, want one call with severity 2", alerts)
	}
	alertMu.Unlock()

	// Both passes hit, but only the fast pass flags; the final pass flags
	// only when it finds a hit the fast pass missed.
	if flags.count() != 1 {
		t.Errorf("flag called %d times, want 1", flags.count())
	}
	if flags.at(0).Stage != transcript.StageFast {
		t.Errorf("flag stage = %q, want fast", flags.at(0).Stage)
	}
}

func TestProcessSegment_FinalOnlyHitFlags(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults:  []asr.Result{{Text: "なんだよそれ"}},
		FinalResults: []asr.Result{{Text: "ふざけるなよそれ"}},
	}
	store := newTestStore(t)
	flags := &flagRecorder{}

	alerted := false
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000,
		WithAlert(func(int) { alerted = true }),
		WithFlag(flags.flag))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleCustomer); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}

	date := transcript.DateKey(time.Now())
	final := waitForStage(t, store, date, 0, transcript.StageFinal)
	e.Close()

	if len(final.Hits) == 0 || final.Hits[0] != "ふざけるな" {
		t.Errorf("final hits = %v, want [ふざけるな]", final.Hits)
	}
	if final.Severity != 3 {
		t.Errorf("final severity = %d, want 3", final.Severity)
	}
	if flags.count() != 1 {
		t.Fatalf("flag called %d times, want 1", flags.count())
	}
	if flags.at(0).Stage != transcript.StageFinal {
		t.Errorf("flag stage = %q, want final", flags.at(0).Stage)
	}
	if alerted {
		t.Error("alert fired without a fast-pass hit")
	}
}

func TestProcessSegment_FinalErrorLeavesFastLine(t *testing.T) {
	rec := &mock.Recognizer{
		FastResults: []asr.Result{{Text: "すこしまってください"}},
		FinalErr:    context.DeadlineExceeded,
	}
	store := newTestStore(t)
	e, err := NewEngine(rec, newTestMatcher(t), store, 16000)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.ProcessSegment(context.Background(), testSegment(), transcript.RoleStaff); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	e.Close()

	date := transcript.DateKey(time.Now())
	utts, _ := store.Utterances(date)
	if len(utts) != 1 || utts[0].Stage != transcript.StageFast {
		t.Fatalf("want fast line to stand after final error, got %+v", utts)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, newTestMatcher(t), newTestStore(t), 16000); err == nil {
		t.Error("nil recognizer accepted")
	}
	if _, err := NewEngine(&mock.Recognizer{}, newTestMatcher(t), newTestStore(t), 0); err == nil {
		t.Error("zero sample rate accepted")
	}
}
