package incident

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RecordStore is the append-only JSONL output, one file per date. It keeps
// an in-memory index of anchor ids per date so idempotence checks do not
// re-read the file on every call.
type RecordStore struct {
	dir string

	mu      sync.Mutex
	anchors map[string]map[string]bool // date → anchor id set, lazily loaded
}

// NewRecordStore creates a RecordStore rooted at dir, creating it if
// needed.
func NewRecordStore(dir string) (*RecordStore, error) {
	if dir == "" {
		return nil, errors.New("incident: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("incident: create dir %q: %w", dir, err)
	}
	return &RecordStore{dir: dir, anchors: make(map[string]map[string]bool)}, nil
}

// AppendIfAbsent writes rec as one JSON line unless a record with the same
// anchor id already exists for that date. Returns false when the record was
// already present. The check and the write happen under one lock, so a
// restart replaying an already-completed job cannot duplicate output.
func (s *RecordStore) AppendIfAbsent(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(rec.Date)
	if err != nil {
		return false, err
	}
	if set[rec.AnchorID] {
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("incident: marshal record %q: %w", rec.AnchorID, err)
	}
	path := s.path(rec.Date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("incident: open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return false, fmt.Errorf("incident: append to %q: %w", path, err)
	}
	set[rec.AnchorID] = true
	return true, nil
}

// Has reports whether a record for the anchor already exists on the date.
func (s *RecordStore) Has(date, anchorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.loadLocked(date)
	if err != nil {
		return false, err
	}
	return set[anchorID], nil
}

// List returns every record of the date in append order. A missing file
// yields an empty slice.
func (s *RecordStore) List(date string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(date))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("incident: open %q: %w", s.path(date), err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			slog.Warn("incident: skipping malformed record line", "date", date, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("incident: read %q: %w", s.path(date), err)
	}
	return out, nil
}

// Dates returns every date with an output file, sorted ascending.
func (s *RecordStore) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("incident: read dir %q: %w", s.dir, err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".jsonl"); ok {
			dates = append(dates, name)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *RecordStore) path(date string) string {
	return filepath.Join(s.dir, date+".jsonl")
}

// loadLocked returns the anchor set for date, reading the file on first
// access. Must be called with s.mu held.
func (s *RecordStore) loadLocked(date string) (map[string]bool, error) {
	if set, ok := s.anchors[date]; ok {
		return set, nil
	}
	set := make(map[string]bool)

	f, err := os.Open(s.path(date))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("incident: open %q: %w", s.path(date), err)
		}
		s.anchors[date] = set
		return set, nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec struct {
			AnchorID string `json:"anchor_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && rec.AnchorID != "" {
			set[rec.AnchorID] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("incident: read %q: %w", s.path(date), err)
	}
	s.anchors[date] = set
	return set, nil
}
