package config_test

import (
	"strings"
	"testing"

	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/internal/keyword"
)

func TestParseKeywords_LevelBlocks(t *testing.T) {
	t.Parallel()
	input := `
level2=[黙れ, いい加減にしろ]
level3=[殺す, 死ね]
`
	rules, err := config.ParseKeywords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	want := []keyword.Rule{
		{Word: "黙れ", Tier: 2},
		{Word: "いい加減にしろ", Tier: 2},
		{Word: "殺す", Tier: 3},
		{Word: "死ね", Tier: 3},
	}
	assertRules(t, rules, want)
}

func TestParseKeywords_MultilineBlock(t *testing.T) {
	t.Parallel()
	input := `level2=[黙れ, いい加減にしろ,
        地獄に落ちろ]`
	rules, err := config.ParseKeywords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	if len(rules) != 3 || rules[2].Word != "地獄に落ちろ" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestParseKeywords_FullWidthComma(t *testing.T) {
	t.Parallel()
	rules, err := config.ParseKeywords(strings.NewReader("level3=[殺す、死ね]"))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2: %+v", len(rules), rules)
	}
}

func TestParseKeywords_FlatDefaultsToTier2(t *testing.T) {
	t.Parallel()
	input := `
土下座
# コメント行
無能
`
	rules, err := config.ParseKeywords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	want := []keyword.Rule{
		{Word: "土下座", Tier: 2},
		{Word: "無能", Tier: 2},
	}
	assertRules(t, rules, want)
}

func TestParseKeywords_DuplicateLastTierWins(t *testing.T) {
	t.Parallel()
	input := `
level2=[死ね]
level3=[死ね]
`
	rules, err := config.ParseKeywords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	if len(rules) != 1 || rules[0].Tier != 3 {
		t.Errorf("rules = %+v, want single rule at tier 3", rules)
	}
}

func TestParseKeywords_EmptyBlockSkipped(t *testing.T) {
	t.Parallel()
	input := `
level1=[ ]
level2=[黙れ]
`
	rules, err := config.ParseKeywords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseKeywords() error = %v", err)
	}
	if len(rules) != 1 || rules[0].Word != "黙れ" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestParseKeywords_MissingBracketFails(t *testing.T) {
	t.Parallel()
	if _, err := config.ParseKeywords(strings.NewReader("level2=[黙れ")); err == nil {
		t.Fatal("expected error for unclosed bracket, got nil")
	}
}

func TestLoadKeywords_MissingFileFails(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadKeywords("/nonexistent/keywords.txt"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func assertRules(t *testing.T, got, want []keyword.Rule) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rules, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Word != want[i].Word || got[i].Tier != want[i].Tier {
			t.Errorf("rule[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
