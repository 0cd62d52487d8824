// Package window selects the conversational excerpt around a flagged
// utterance for summarization: a bounded, contiguous run of whole turns
// containing the anchor.
//
// Expansion is greedy and symmetric: absorb neighbours on both sides until
// the window reaches the minimum duration, then keep absorbing while it
// stays under the maximum duration and the token budget. The anchor is
// never dropped; on an overshoot, whole turns on the side extending further
// from the anchor go first.
package window

import (
	"fmt"
	"math"
	"time"

	"github.com/mimamori-dev/mimamori/internal/transcript"
)

const (
	// DefaultMinDuration is the target minimum excerpt length.
	DefaultMinDuration = 12 * time.Second

	// DefaultMaxDuration caps the excerpt length.
	DefaultMaxDuration = 30 * time.Second

	// DefaultMaxTokens caps the estimated token cost of the excerpt.
	DefaultMaxTokens = 512

	// turnFallback is the assumed duration of a single turn. Timestamps
	// only mark turn starts, so the last turn's own length is estimated.
	turnFallback = 3 * time.Second

	// tokensPerRune is a conservative CJK-aware token weight. Japanese text
	// tokenizes close to one token per character; 0.66 errs low enough to
	// stay useful while never starving the window.
	tokensPerRune = 0.66
)

// Config bounds the built window.
type Config struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	MaxTokens   int
}

func (c *Config) applyDefaults() {
	if c.MinDuration <= 0 {
		c.MinDuration = DefaultMinDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Incident is one built excerpt: the anchor plus its surrounding turns.
type Incident struct {
	// AnchorID is the entry id of the flagged utterance.
	AnchorID string

	// Turns is the excerpt in chronological order. Always contains the
	// anchor.
	Turns []transcript.Utterance

	// Duration is the estimated wall-clock span of the excerpt.
	Duration time.Duration

	// Tokens is the estimated token cost of the excerpt.
	Tokens int

	// FirstPos and LastPos are the excerpt's line positions within the
	// day's transcript, for the incident record's source range.
	FirstPos, LastPos int
}

// Build constructs the window around utts[anchorIdx]. utts is the full day
// transcript in line order.
func Build(utts []transcript.Utterance, anchorIdx int, cfg Config) (Incident, error) {
	cfg.applyDefaults()
	if anchorIdx < 0 || anchorIdx >= len(utts) {
		return Incident{}, fmt.Errorf("window: anchor index %d out of range [0, %d)", anchorIdx, len(utts))
	}

	lo, hi := anchorIdx, anchorIdx

	// Phase 1: reach the minimum duration, alternating sides. A day shorter
	// than the minimum is accepted as is.
	for span(utts, lo, hi) < cfg.MinDuration {
		if !expand(utts, &lo, &hi) {
			break
		}
	}

	// The minimum phase can overshoot both caps: a single expansion across a
	// long silent gap blows the duration cap, and large absorbed turns blow
	// the token budget. Trim whole turns from the side extending further
	// from the anchor until the window fits again.
	for span(utts, lo, hi) > cfg.MaxDuration || tokens(utts, lo, hi) > cfg.MaxTokens {
		if !shrink(utts, anchorIdx, &lo, &hi) {
			break
		}
	}

	// Phase 2: keep absorbing while the next turn fits both budgets.
	for {
		nlo, nhi := lo, hi
		if !expand(utts, &nlo, &nhi) {
			break
		}
		if span(utts, nlo, nhi) > cfg.MaxDuration || tokens(utts, nlo, nhi) > cfg.MaxTokens {
			break
		}
		lo, hi = nlo, nhi
	}

	turns := make([]transcript.Utterance, hi-lo+1)
	copy(turns, utts[lo:hi+1])
	return Incident{
		AnchorID: utts[anchorIdx].EntryID,
		Turns:    turns,
		Duration: span(utts, lo, hi),
		Tokens:   tokens(utts, lo, hi),
		FirstPos: lo,
		LastPos:  hi,
	}, nil
}

// expand widens [lo, hi] by one turn, preferring the side whose next turn
// is closer in time to the current window. Returns false when neither side
// has content left.
func expand(utts []transcript.Utterance, lo, hi *int) bool {
	canLeft := *lo > 0
	canRight := *hi < len(utts)-1
	switch {
	case !canLeft && !canRight:
		return false
	case canLeft && !canRight:
		*lo--
	case !canLeft && canRight:
		*hi++
	default:
		leftGap := utts[*lo].Timestamp.Sub(utts[*lo-1].Timestamp)
		rightGap := utts[*hi+1].Timestamp.Sub(utts[*hi].Timestamp)
		if leftGap <= rightGap {
			*lo--
		} else {
			*hi++
		}
	}
	return true
}

// shrink narrows [lo, hi] by one turn, dropping from the side extending
// further in time from the anchor (the older side on ties). The anchor is
// never dropped; returns false once only the anchor remains.
func shrink(utts []transcript.Utterance, anchorIdx int, lo, hi *int) bool {
	canLeft := *lo < anchorIdx
	canRight := *hi > anchorIdx
	switch {
	case !canLeft && !canRight:
		return false
	case canLeft && !canRight:
		*lo++
	case !canLeft && canRight:
		*hi--
	default:
		leftSpan := utts[anchorIdx].Timestamp.Sub(utts[*lo].Timestamp)
		rightSpan := utts[*hi].Timestamp.Sub(utts[anchorIdx].Timestamp)
		if leftSpan >= rightSpan {
			*lo++
		} else {
			*hi--
		}
	}
	return true
}

// span estimates the wall-clock duration of turns [lo, hi]. Missing or
// non-monotonic timestamps degrade to the per-turn fallback.
func span(utts []transcript.Utterance, lo, hi int) time.Duration {
	n := hi - lo + 1
	d := utts[hi].Timestamp.Sub(utts[lo].Timestamp)
	if d < 0 {
		return time.Duration(n) * turnFallback
	}
	return d + turnFallback
}

func tokens(utts []transcript.Utterance, lo, hi int) int {
	total := 0
	for i := lo; i <= hi; i++ {
		total += EstimateTokens(utts[i].Text)
	}
	return total
}

// EstimateTokens returns the estimated token cost of text, at least 1.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	t := int(math.Ceil(float64(n) * tokensPerRune))
	if t < 1 {
		t = 1
	}
	return t
}
