package keyword

import (
	"errors"
	"fmt"
)

const (
	// DefaultThreshold is the minimum score for a hit.
	DefaultThreshold = 88

	// DefaultMinLength suppresses keywords whose normalized form is shorter
	// than this many runes: very short keywords match everything under a
	// fuzzy scorer.
	DefaultMinLength = 2
)

// Rule is one configured keyword with its severity tier.
type Rule struct {
	// Word is the keyword as configured.
	Word string

	// Tier is the severity tier the word belongs to. Tiers are mutually
	// exclusive per word.
	Tier int

	// normalized is the folded form the scorer runs against.
	normalized string
}

// Hit is one keyword found in a text.
type Hit struct {
	// Word is the configured (unnormalized) keyword.
	Word string

	// Tier is the keyword's severity tier.
	Tier int

	// Score is the similarity score that produced the hit.
	Score int
}

// Matcher spots configured keywords in recognized text. It is immutable
// after construction and safe for concurrent use.
type Matcher struct {
	rules     []Rule
	scorer    Scorer
	threshold int
	minLength int
}

// Option is a functional option for configuring a Matcher.
type Option func(*Matcher)

// WithScorer overrides the default Jaro-Winkler scorer.
func WithScorer(s Scorer) Option {
	return func(m *Matcher) { m.scorer = s }
}

// WithThreshold sets the minimum score (0–100) for a hit.
func WithThreshold(t int) Option {
	return func(m *Matcher) { m.threshold = t }
}

// WithMinLength sets the minimum normalized keyword length in runes.
func WithMinLength(n int) Option {
	return func(m *Matcher) { m.minLength = n }
}

// NewMatcher creates a Matcher over the given rules. Rules whose normalized
// form is shorter than the minimum length are dropped at construction time
// rather than checked per call.
func NewMatcher(rules []Rule, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		scorer:    JaroWinklerScorer{},
		threshold: DefaultThreshold,
		minLength: DefaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	if m.threshold < 1 || m.threshold > 100 {
		return nil, fmt.Errorf("keyword: threshold %d is out of range [1, 100]", m.threshold)
	}
	if len(rules) == 0 {
		return nil, errors.New("keyword: no rules configured")
	}

	seen := make(map[string]int, len(rules))
	for _, r := range rules {
		if r.Tier <= 0 {
			return nil, fmt.Errorf("keyword: rule %q has invalid tier %d", r.Word, r.Tier)
		}
		r.normalized = Normalize(r.Word)
		if len([]rune(r.normalized)) < m.minLength {
			continue
		}
		if at, dup := seen[r.normalized]; dup {
			// A word may live in only one tier; the last occurrence wins.
			m.rules[at].Tier = r.Tier
			m.rules[at].Word = r.Word
			continue
		}
		seen[r.normalized] = len(m.rules)
		m.rules = append(m.rules, r)
	}
	if len(m.rules) == 0 {
		return nil, errors.New("keyword: every rule was shorter than the minimum length")
	}
	return m, nil
}

// Match returns the keywords found in text, in rule order. An empty slice
// means no violation.
func (m *Matcher) Match(text string) []Hit {
	norm := Normalize(text)
	if norm == "" {
		return nil
	}
	var hits []Hit
	for _, r := range m.rules {
		if s := m.scorer.Score(r.normalized, norm); s >= m.threshold {
			hits = append(hits, Hit{Word: r.Word, Tier: r.Tier, Score: s})
		}
	}
	return hits
}

// Severity returns the maximum tier among hits, 0 when hits is empty.
// Stable under match order.
func Severity(hits []Hit) int {
	max := 0
	for _, h := range hits {
		if h.Tier > max {
			max = h.Tier
		}
	}
	return max
}

// Words extracts just the matched keywords, in hit order.
func Words(hits []Hit) []string {
	if len(hits) == 0 {
		return nil
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Word
	}
	return out
}
