package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
)

// EventType discriminates store change events.
type EventType int

const (
	// EventAppend is a new line added at the end of a partition.
	EventAppend EventType = iota

	// EventReplace is an existing line rewritten in place.
	EventReplace
)

// Event describes one store mutation. Pos is the zero-based line position
// within the date partition; for replaces it identifies the line that
// changed, so a viewer can update in place rather than duplicate.
type Event struct {
	Type EventType
	Date string
	Pos  int
	Utt  Utterance
}

// Store is the per-date transcript log. It is safe for concurrent use: the
// real-time path appends while the final-pass workers replace. Mutations on
// different dates never contend; mutations on one date serialize through
// that date's partition lock, and listeners observe them in mutation order.
type Store struct {
	dir string

	mu    sync.Mutex
	parts map[string]*partition

	listenMu  sync.RWMutex
	listeners []func(Event)
}

// partition is the in-process state for one date file.
type partition struct {
	mu    sync.Mutex
	path  string
	count int // number of lines, valid once loaded
	load  bool
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("transcript: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir, parts: make(map[string]*partition)}, nil
}

// Notify registers fn to be called synchronously after every successful
// mutation, in mutation order for each date. fn must be fast; anything slow
// belongs behind a channel on the listener's side.
func (s *Store) Notify(fn func(Event)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Append writes u as a new line at the end of the date partition and
// returns its zero-based position.
func (s *Store) Append(date string, u Utterance) (int, error) {
	p, err := s.partition(date)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("transcript: open %q: %w", p.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(u) + "\n"); err != nil {
		return 0, fmt.Errorf("transcript: append to %q: %w", p.path, err)
	}
	pos := p.count
	p.count++

	s.emit(Event{Type: EventAppend, Date: date, Pos: pos, Utt: u})
	return pos, nil
}

// Replace rewrites the line whose entry id matches u.EntryID, in place. The
// original timestamp and position are preserved and the original hits are
// unioned into u's hits. Returns false without modifying anything when no
// line with that id exists; Replace never creates a line.
func (s *Store) Replace(date string, u Utterance) (bool, error) {
	p, err := s.partition(date)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	lines, err := readLines(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	p.count = len(lines)
	p.load = true

	idTag := "[ID:" + u.EntryID + "]"
	pos := -1
	for i, line := range lines {
		if strings.Contains(line, idTag) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return false, nil
	}

	prev, err := ParseLine(lines[pos])
	if err != nil {
		// Keep the replacement going even if the old line is unparseable;
		// the new utterance's own timestamp stands in.
		slog.Warn("transcript: replacing unparseable line", "date", date, "pos", pos, "error", err)
	} else {
		u.Timestamp = prev.Timestamp
		u.Hits = unionHits(prev.Hits, u.Hits)
	}

	lines[pos] = FormatLine(u)
	if err := writeLinesAtomic(p.path, lines); err != nil {
		return false, err
	}

	s.emit(Event{Type: EventReplace, Date: date, Pos: pos, Utt: u})
	return true, nil
}

// Utterances returns every parsed line of the date partition in order.
// A missing partition yields an empty slice.
func (s *Store) Utterances(date string) ([]Utterance, error) {
	p, err := s.partition(date)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	lines, err := readLines(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	utts := make([]Utterance, 0, len(lines))
	for i, line := range lines {
		u, err := ParseLine(line)
		if err != nil {
			slog.Warn("transcript: skipping malformed line", "date", date, "pos", i, "error", err)
			continue
		}
		utts = append(utts, u)
	}
	return utts, nil
}

// Dates returns every date with a transcript file, sorted ascending.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("transcript: read dir %q: %w", s.dir, err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".txt")
		if name != e.Name() && validDate(name) {
			dates = append(dates, name)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *Store) partition(date string) (*partition, error) {
	if !validDate(date) {
		return nil, fmt.Errorf("transcript: invalid date %q", date)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[date]
	if !ok {
		p = &partition{path: filepath.Join(s.dir, date+".txt")}
		s.parts[date] = p
	}
	return p, nil
}

func (s *Store) emit(ev Event) {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	for _, fn := range s.listeners {
		fn(ev)
	}
}

// ensureLoaded initialises the partition's line count from disk once.
// Must be called with p.mu held.
func (p *partition) ensureLoaded() error {
	if p.load {
		return nil
	}
	lines, err := readLines(p.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	p.count = len(lines)
	p.load = true
	return nil
}

func validDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, c := range s {
		if i == 4 || i == 7 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read %q: %w", path, err)
	}
	return lines, nil
}

// writeLinesAtomic rewrites path via a temp file + rename so a crash mid
// replace never leaves a torn transcript.
func writeLinesAtomic(path string, lines []string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open %q: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("transcript: write %q: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("transcript: flush %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("transcript: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("transcript: rename %q: %w", tmp, err)
	}
	return nil
}

// unionHits returns old followed by the elements of new not already
// present, preserving order.
func unionHits(old, new []string) []string {
	out := slices.Clone(old)
	for _, h := range new {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}
