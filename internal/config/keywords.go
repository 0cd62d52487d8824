package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mimamori-dev/mimamori/internal/keyword"
)

// flatTier is the severity assigned to keywords from a flat one-word-per-line
// file (the legacy format, predating tiers).
const flatTier = 2

// levelHead matches the start of a tiered keyword block, "levelN=[".
var levelHead = regexp.MustCompile(`(?i)level\s*(\d+)\s*=\s*\[`)

// LoadKeywords reads the keyword file at path and returns matcher rules.
// Two formats are accepted:
//
//	level2=[黙れ, いい加減にしろ]
//	level3=[殺す,
//	        死ね]
//
// or, when no level line is present, one bare word per line (tier 2).
// Blocks may span lines; half- and full-width commas both separate words.
// A word listed twice keeps the last tier seen, with a warning.
func LoadKeywords(path string) ([]keyword.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open keywords %q: %w", path, err)
	}
	defer f.Close()

	rules, err := ParseKeywords(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse keywords %q: %w", path, err)
	}
	return rules, nil
}

// ParseKeywords parses the keyword file format from r. See [LoadKeywords].
func ParseKeywords(r io.Reader) ([]keyword.Rule, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(raw)

	rules, found, err := parseLevelBlocks(text)
	if err != nil {
		return nil, err
	}
	if found {
		return dedupe(rules), nil
	}
	return dedupe(parseFlat(text)), nil
}

// parseLevelBlocks extracts every levelN=[...] block. Returns found=false
// when the text contains no level line at all.
func parseLevelBlocks(text string) (rules []keyword.Rule, found bool, err error) {
	for i := 0; i < len(text); {
		loc := levelHead.FindStringSubmatchIndex(text[i:])
		if loc == nil {
			break
		}
		found = true
		tier, err := strconv.Atoi(text[i+loc[2] : i+loc[3]])
		if err != nil || tier < 1 {
			return nil, true, fmt.Errorf("invalid level number in %q", text[i+loc[0]:i+loc[1]])
		}

		bodyStart := i + loc[1]
		end := strings.IndexByte(text[bodyStart:], ']')
		if end < 0 {
			return nil, true, fmt.Errorf("level%d block is missing its closing bracket", tier)
		}
		for _, w := range splitWords(text[bodyStart : bodyStart+end]) {
			rules = append(rules, keyword.Rule{Word: w, Tier: tier})
		}
		i = bodyStart + end + 1
	}
	return rules, found, nil
}

// parseFlat treats every non-empty, non-comment line as one tier-2 keyword.
func parseFlat(text string) []keyword.Rule {
	var rules []keyword.Rule
	for _, line := range strings.Split(text, "\n") {
		w := strings.TrimSpace(line)
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		rules = append(rules, keyword.Rule{Word: w, Tier: flatTier})
	}
	return rules
}

// splitWords splits a block body on half- or full-width commas, trimming
// whitespace and skipping empties.
func splitWords(body string) []string {
	var words []string
	for _, raw := range strings.FieldsFunc(body, func(r rune) bool {
		return r == ',' || r == '、'
	}) {
		if w := strings.TrimSpace(raw); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// dedupe keeps one rule per word, last tier wins, original order of first
// appearance preserved.
func dedupe(rules []keyword.Rule) []keyword.Rule {
	idx := make(map[string]int, len(rules))
	var out []keyword.Rule
	for _, r := range rules {
		if i, ok := idx[r.Word]; ok {
			if out[i].Tier != r.Tier {
				slog.Warn("duplicate keyword with conflicting tiers, keeping the last",
					"word", r.Word, "kept_tier", r.Tier, "dropped_tier", out[i].Tier)
			}
			out[i].Tier = r.Tier
			continue
		}
		idx[r.Word] = len(out)
		out = append(out, r)
	}
	return out
}
