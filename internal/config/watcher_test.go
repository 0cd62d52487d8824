package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mimamori-dev/mimamori/internal/config"
	"github.com/mimamori-dev/mimamori/internal/keyword"
)

func writeKeywords(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write keywords: %v", err)
	}
}

func TestKeywordWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keywords.txt")
	writeKeywords(t, path, "level2=[黙れ]")

	w, err := config.NewKeywordWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewKeywordWatcher() error = %v", err)
	}
	defer w.Stop()

	rules := w.Current()
	if len(rules) != 1 || rules[0].Word != "黙れ" {
		t.Errorf("initial rules = %+v", rules)
	}
}

func TestKeywordWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keywords.txt")
	writeKeywords(t, path, "level2=[黙れ]")

	var mu sync.Mutex
	var reloaded []keyword.Rule
	w, err := config.NewKeywordWatcher(path, func(rules []keyword.Rule) {
		mu.Lock()
		reloaded = rules
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewKeywordWatcher() error = %v", err)
	}
	defer w.Stop()

	// Rewrite with a bumped mtime so the poller notices.
	time.Sleep(30 * time.Millisecond)
	writeKeywords(t, path, "level3=[殺す, 死ね]")
	now := time.Now()
	os.Chtimes(path, now, now)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n == 2 {
			if got := w.Current(); len(got) != 2 || got[0].Tier != 3 {
				t.Errorf("Current() = %+v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never reported the new rules")
}

func TestKeywordWatcher_InvalidFileKeepsPreviousRules(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keywords.txt")
	writeKeywords(t, path, "level2=[黙れ]")

	w, err := config.NewKeywordWatcher(path, nil,
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewKeywordWatcher() error = %v", err)
	}
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	writeKeywords(t, path, "level2=[黙れ") // unclosed bracket
	now := time.Now()
	os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)
	rules := w.Current()
	if len(rules) != 1 || rules[0].Word != "黙れ" {
		t.Errorf("rules after invalid rewrite = %+v, want the previous set", rules)
	}
}

func TestKeywordWatcher_MissingFileFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewKeywordWatcher("/nonexistent/keywords.txt", nil); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
