package transcript

import (
	"sync"
	"testing"
	"time"
)

func testUtterance(id, text string, ts time.Time) Utterance {
	return Utterance{
		EntryID:   id,
		Role:      RoleCustomer,
		Timestamp: ts,
		Stage:     StageFast,
		Text:      text,
	}
}

func TestStore_AppendPositions(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)

	for i, id := range []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"} {
		pos, err := s.Append("2026-03-14", testUtterance(id, "turn", ts))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if pos != i {
			t.Errorf("Append %d returned pos %d, want %d", i, pos, i)
		}
	}

	utts, err := s.Utterances("2026-03-14")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 3 {
		t.Fatalf("got %d utterances, want 3", len(utts))
	}
}

func TestStore_ReplacePreservesTimestampAndPosition(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	orig := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)

	s.Append("2026-03-14", testUtterance("aaaaaaaa", "first", orig))
	s.Append("2026-03-14", testUtterance("bbbbbbbb", "secnod", orig.Add(2*time.Second)))
	s.Append("2026-03-14", testUtterance("cccccccc", "third", orig.Add(4*time.Second)))

	repl := Utterance{
		EntryID:   "bbbbbbbb",
		Role:      RoleCustomer,
		Timestamp: orig.Add(time.Hour), // must be discarded in favour of the original
		Stage:     StageFinal,
		Text:      "second",
		Hits:      []string{"ばか"},
	}
	ok, err := s.Replace("2026-03-14", repl)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !ok {
		t.Fatal("Replace returned false, want true")
	}

	utts, err := s.Utterances("2026-03-14")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 3 {
		t.Fatalf("replace changed line count: got %d, want 3", len(utts))
	}
	got := utts[1]
	if got.EntryID != "bbbbbbbb" {
		t.Errorf("line 1 entry id = %q, replace moved the line", got.EntryID)
	}
	if !got.Timestamp.Equal(orig.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v, want original %v", got.Timestamp, orig.Add(2*time.Second))
	}
	if got.Stage != StageFinal || got.Text != "second" {
		t.Errorf("content not replaced: %+v", got)
	}
}

func TestStore_ReplaceUnionsHits(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)

	u := testUtterance("aaaaaaaa", "text", ts)
	u.Hits = []string{"ばか"}
	s.Append("2026-03-14", u)

	repl := u
	repl.Stage = StageFinal
	repl.Hits = []string{"しね", "ばか"}
	if ok, err := s.Replace("2026-03-14", repl); err != nil || !ok {
		t.Fatalf("Replace: ok=%v err=%v", ok, err)
	}

	utts, _ := s.Utterances("2026-03-14")
	want := []string{"ばか", "しね"}
	if len(utts[0].Hits) != len(want) {
		t.Fatalf("Hits = %v, want %v", utts[0].Hits, want)
	}
	for i := range want {
		if utts[0].Hits[i] != want[i] {
			t.Errorf("Hits[%d] = %q, want %q", i, utts[0].Hits[i], want[i])
		}
	}
}

func TestStore_ReplaceMissingNeverCreates(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ts := time.Now()

	ok, err := s.Replace("2026-03-14", testUtterance("aaaaaaaa", "ghost", ts))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if ok {
		t.Error("Replace on empty partition returned true")
	}
	utts, _ := s.Utterances("2026-03-14")
	if len(utts) != 0 {
		t.Errorf("Replace created %d lines, want 0", len(utts))
	}
}

func TestStore_EventsInMutationOrder(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ts := time.Now()

	var mu sync.Mutex
	var events []Event
	s.Notify(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	s.Append("2026-03-14", testUtterance("aaaaaaaa", "one", ts))
	s.Append("2026-03-14", testUtterance("bbbbbbbb", "two", ts))
	repl := testUtterance("aaaaaaaa", "one fixed", ts)
	repl.Stage = StageFinal
	s.Replace("2026-03-14", repl)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != EventAppend || events[0].Pos != 0 {
		t.Errorf("event 0 = %+v, want append at 0", events[0])
	}
	if events[1].Type != EventAppend || events[1].Pos != 1 {
		t.Errorf("event 1 = %+v, want append at 1", events[1])
	}
	if events[2].Type != EventReplace || events[2].Pos != 0 {
		t.Errorf("event 2 = %+v, want replace at 0", events[2])
	}
}

func TestStore_ConcurrentAppendReplace(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ts := time.Now()

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = NewEntryID()
		if _, err := s.Append("2026-03-14", testUtterance(ids[i], "fast", ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			repl := testUtterance(ids[i], "final", ts)
			repl.Stage = StageFinal
			if _, err := s.Replace("2026-03-14", repl); err != nil {
				t.Errorf("Replace: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append("2026-03-14", testUtterance(NewEntryID(), "more", ts)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	utts, err := s.Utterances("2026-03-14")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 30 {
		t.Errorf("got %d lines, want 30", len(utts))
	}
	// The first 20 ids must still be present in their original order.
	for i, id := range ids {
		if utts[i].EntryID != id {
			t.Errorf("line %d entry id = %q, want %q", i, utts[i].EntryID, id)
		}
	}
}

func TestStore_Dates(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ts := time.Now()
	s.Append("2026-03-15", testUtterance("aaaaaaaa", "x", ts))
	s.Append("2026-03-14", testUtterance("bbbbbbbb", "y", ts))

	dates, err := s.Dates()
	if err != nil {
		t.Fatalf("Dates: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2026-03-14" || dates[1] != "2026-03-15" {
		t.Errorf("Dates = %v, want [2026-03-14 2026-03-15]", dates)
	}
}

func TestStore_InvalidDate(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if _, err := s.Append("../../etc/passwd", testUtterance("aaaaaaaa", "x", time.Now())); err == nil {
		t.Error("Append with path-traversal date succeeded, want error")
	}
}
