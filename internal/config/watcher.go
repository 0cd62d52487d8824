package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mimamori-dev/mimamori/internal/keyword"
)

// KeywordWatcher monitors the keyword file for changes and calls a callback
// with the reparsed rules when the file is modified, so the monitor picks up
// new NG words without a restart. It uses polling (not fsnotify) to keep
// dependencies minimal.
type KeywordWatcher struct {
	path     string
	interval time.Duration
	onChange func(rules []keyword.Rule)

	mu       sync.Mutex
	current  []keyword.Rule
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [KeywordWatcher].
type WatcherOption func(*KeywordWatcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *KeywordWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewKeywordWatcher creates a keyword file watcher. It parses the initial
// rule set immediately and starts polling in a background goroutine.
func NewKeywordWatcher(path string, onChange func(rules []keyword.Rule), opts ...WatcherOption) (*KeywordWatcher, error) {
	w := &KeywordWatcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	rules, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: keyword watcher initial load: %w", err)
	}
	w.current = rules
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently parsed valid rule set.
func (w *KeywordWatcher) Current() []keyword.Rule {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *KeywordWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the keyword file periodically.
func (w *KeywordWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the keyword file and, if it has changed and parses cleanly,
// calls onChange and updates the current rule set. A file that fails to
// parse leaves the previous rules in force.
func (w *KeywordWatcher) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("keyword watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	rules, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("keyword watcher: failed to parse keywords, keeping previous rules",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	w.current = rules
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("keyword watcher: keyword rules reloaded",
		"path", w.path, "count", len(rules))

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(rules)
	}
}

// loadAndHash reads the keyword file, parses it, and returns the rules
// alongside the file's SHA-256 hash and modification time.
func (w *KeywordWatcher) loadAndHash() ([]keyword.Rule, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	rules, err := ParseKeywords(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return rules, hash, info.ModTime(), nil
}
