package window

import (
	"strings"
	"testing"
	"time"

	"github.com/mimamori-dev/mimamori/internal/transcript"
)

// makeTurns builds n turns spaced gap apart, each with the given text.
func makeTurns(n int, gap time.Duration, text string) []transcript.Utterance {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	out := make([]transcript.Utterance, n)
	for i := range out {
		out[i] = transcript.Utterance{
			EntryID:   transcript.NewEntryID(),
			Role:      transcript.RoleCustomer,
			Timestamp: base.Add(time.Duration(i) * gap),
			Stage:     transcript.StageFinal,
			Text:      text,
		}
	}
	return out
}

func TestBuild_AnchorAlwaysIncluded(t *testing.T) {
	utts := makeTurns(11, 4*time.Second, "こんにちは")
	for _, anchor := range []int{0, 5, 10} {
		inc, err := Build(utts, anchor, Config{})
		if err != nil {
			t.Fatalf("Build(anchor=%d): %v", anchor, err)
		}
		found := false
		for _, turn := range inc.Turns {
			if turn.EntryID == utts[anchor].EntryID {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("anchor %d not in window turns", anchor)
		}
		if inc.AnchorID != utts[anchor].EntryID {
			t.Errorf("AnchorID = %q, want %q", inc.AnchorID, utts[anchor].EntryID)
		}
	}
}

func TestBuild_DurationBounds(t *testing.T) {
	utts := makeTurns(30, 4*time.Second, "短い発話です")
	cfg := Config{MinDuration: 12 * time.Second, MaxDuration: 30 * time.Second, MaxTokens: 10000}
	inc, err := Build(utts, 15, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if inc.Duration < cfg.MinDuration {
		t.Errorf("duration %v below minimum %v with ample material", inc.Duration, cfg.MinDuration)
	}
	if inc.Duration > cfg.MaxDuration {
		t.Errorf("duration %v exceeds maximum %v", inc.Duration, cfg.MaxDuration)
	}
}

func TestBuild_ShortDayAccepted(t *testing.T) {
	utts := makeTurns(2, 2*time.Second, "x")
	inc, err := Build(utts, 1, Config{MinDuration: time.Minute})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(inc.Turns) != 2 {
		t.Errorf("short day window has %d turns, want all 2", len(inc.Turns))
	}
	if inc.Duration >= time.Minute {
		t.Errorf("duration %v impossibly long for a 2-turn day", inc.Duration)
	}
}

func TestBuild_TokenBudgetRespected(t *testing.T) {
	long := strings.Repeat("あ", 200) // ~132 tokens per turn
	utts := makeTurns(20, time.Second, long)
	cfg := Config{MinDuration: time.Second, MaxDuration: time.Hour, MaxTokens: 300}
	inc, err := Build(utts, 10, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if inc.Tokens > cfg.MaxTokens {
		t.Errorf("tokens %d exceed budget %d", inc.Tokens, cfg.MaxTokens)
	}
	// Whole turns only: re-derive the estimate from the included turns.
	sum := 0
	for _, turn := range inc.Turns {
		sum += EstimateTokens(turn.Text)
	}
	if sum != inc.Tokens {
		t.Errorf("Tokens = %d but turns sum to %d", inc.Tokens, sum)
	}
}

func TestBuild_OvershootDropsOldestNonAnchor(t *testing.T) {
	long := strings.Repeat("あ", 400) // ~264 tokens, over a 300 budget alone with any neighbour
	utts := makeTurns(5, 20*time.Second, long)
	cfg := Config{MinDuration: 50 * time.Second, MaxDuration: time.Hour, MaxTokens: 300}
	inc, err := Build(utts, 4, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(inc.Turns) != 1 {
		t.Fatalf("got %d turns, want 1 (older turns dropped to fit budget)", len(inc.Turns))
	}
	if inc.Turns[0].EntryID != utts[4].EntryID {
		t.Error("the surviving turn is not the anchor")
	}
}

func TestBuild_LongGapNeverExceedsMaxDuration(t *testing.T) {
	// Two turns 100s apart: reaching the minimum duration absorbs across the
	// gap in one step, so the window must shrink back under the cap.
	utts := makeTurns(2, 100*time.Second, "こちらへどうぞ")
	cfg := Config{MinDuration: 12 * time.Second, MaxDuration: 30 * time.Second, MaxTokens: 10000}
	for _, anchor := range []int{0, 1} {
		inc, err := Build(utts, anchor, cfg)
		if err != nil {
			t.Fatalf("Build(anchor=%d): %v", anchor, err)
		}
		if inc.Duration > cfg.MaxDuration {
			t.Errorf("anchor %d: duration %v exceeds maximum %v", anchor, inc.Duration, cfg.MaxDuration)
		}
		if len(inc.Turns) != 1 || inc.Turns[0].EntryID != utts[anchor].EntryID {
			t.Errorf("anchor %d: window is not the lone anchor turn", anchor)
		}
	}
}

func TestBuild_OldestAnchorTrimsFromRight(t *testing.T) {
	// The anchor is the oldest turn, so a blown token budget can only be
	// repaired by dropping newer turns.
	long := strings.Repeat("あ", 2000) // ~1320 tokens per turn
	utts := []transcript.Utterance{
		makeTurns(1, time.Second, "ばか")[0],
		makeTurns(1, time.Second, long)[0],
		makeTurns(1, time.Second, long)[0],
	}
	base := utts[0].Timestamp
	utts[1].Timestamp = base.Add(time.Second)
	utts[2].Timestamp = base.Add(2 * time.Second)

	cfg := Config{MinDuration: 12 * time.Second, MaxDuration: 30 * time.Second, MaxTokens: 512}
	inc, err := Build(utts, 0, cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if inc.Tokens > cfg.MaxTokens {
		t.Errorf("tokens %d exceed budget %d", inc.Tokens, cfg.MaxTokens)
	}
	if len(inc.Turns) == 0 || inc.Turns[0].EntryID != utts[0].EntryID {
		t.Error("anchor dropped while trimming for the token budget")
	}
}

func TestBuild_ContiguousWindow(t *testing.T) {
	utts := makeTurns(15, 3*time.Second, "はい")
	inc, err := Build(utts, 7, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if inc.LastPos-inc.FirstPos+1 != len(inc.Turns) {
		t.Errorf("positions [%d, %d] disagree with %d turns", inc.FirstPos, inc.LastPos, len(inc.Turns))
	}
	for i, turn := range inc.Turns {
		if turn.EntryID != utts[inc.FirstPos+i].EntryID {
			t.Errorf("turn %d is not contiguous with the source transcript", i)
		}
	}
}

func TestBuild_InvalidAnchor(t *testing.T) {
	utts := makeTurns(3, time.Second, "x")
	if _, err := Build(utts, 3, Config{}); err == nil {
		t.Error("Build with out-of-range anchor succeeded")
	}
	if _, err := Build(nil, 0, Config{}); err == nil {
		t.Error("Build with empty transcript succeeded")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Errorf("empty text estimate = %d, want 1", got)
	}
	if got := EstimateTokens(strings.Repeat("あ", 100)); got != 66 {
		t.Errorf("100-rune estimate = %d, want 66", got)
	}
}
