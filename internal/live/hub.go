// Package live streams the transcript to viewers. A Hub fans store change
// events out to per-date subscribers; Server exposes the hub over websocket
// plus plain JSON endpoints for one-shot fetches.
//
// A subscriber first receives a snapshot of the current transcript for its
// date, then every subsequent append and replace event in mutation order.
// Replace events carry the line position so a viewer updates in place
// rather than duplicating. Slow consumers are dropped; a reconnect
// re-fetches full state through the snapshot.
package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/mimamori-dev/mimamori/internal/transcript"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind is dropped.
const subscriberBuffer = 64

// Line is the wire form of one transcript line.
type Line struct {
	EntryID  string   `json:"entry_id"`
	Role     string   `json:"role"`
	Time     string   `json:"time"`
	Stage    string   `json:"stage"`
	Text     string   `json:"text"`
	Hits     []string `json:"hits,omitempty"`
	Severity int      `json:"severity,omitempty"`
}

// Message is one frame sent to a viewer. Type is "snapshot", "append", or
// "replace". A snapshot carries Lines; append and replace carry Pos and
// Line.
type Message struct {
	Type  string `json:"type"`
	Date  string `json:"date"`
	Pos   int    `json:"pos,omitempty"`
	Line  *Line  `json:"line,omitempty"`
	Lines []Line `json:"lines,omitempty"`
}

// lineFromUtterance converts a stored utterance to its wire form.
func lineFromUtterance(u transcript.Utterance) Line {
	return Line{
		EntryID:  u.EntryID,
		Role:     string(u.Role),
		Time:     u.Timestamp.Format(time.DateTime),
		Stage:    string(u.Stage),
		Text:     u.Text,
		Hits:     u.Hits,
		Severity: u.Severity,
	}
}

// Subscription is one viewer's attachment to a date channel. Snapshot is
// the transcript state at subscribe time; Events delivers every later
// mutation in order. Events is closed when the subscriber is dropped for
// falling behind or the hub shuts down.
type Subscription struct {
	Snapshot []Line
	Events   <-chan Message

	hub  *Hub
	date string
	raw  chan Message
	out  chan Message
	once sync.Once
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.date, s)
}

// forward relays store events to the subscriber, dropping appends the
// snapshot already covers. Replace events below the snapshot boundary pass
// through: re-applying one is harmless, and the viewer may hold an older
// revision of that line. A subscriber whose outgoing queue overflows is
// detached the same way as one whose raw queue overflows.
func (s *Subscription) forward(snapshotLen int) {
	defer close(s.out)
	for msg := range s.raw {
		if msg.Type == "append" && msg.Pos < snapshotLen {
			continue
		}
		select {
		case s.out <- msg:
		default:
			s.hub.unsubscribe(s.date, s)
			for range s.raw {
			}
			return
		}
	}
}

// Hub fans transcript store events out to date subscribers. Create one with
// NewHub; it registers itself as a store listener.
type Hub struct {
	store *transcript.Store

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a Hub attached to store's change feed.
func NewHub(store *transcript.Store) *Hub {
	h := &Hub{
		store: store,
		subs:  make(map[string]map[*Subscription]struct{}),
	}
	store.Notify(h.broadcast)
	return h
}

// Subscribe attaches a viewer to a date channel. The returned subscription's
// snapshot and event stream together contain every appended line exactly
// once: appends the snapshot already covers are filtered out of the stream
// by position.
func (h *Hub) Subscribe(date string) (*Subscription, error) {
	raw := make(chan Message, subscriberBuffer)
	out := make(chan Message, subscriberBuffer)
	sub := &Subscription{
		Events: out,
		hub:    h,
		date:   date,
		raw:    raw,
		out:    out,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("live: hub is closed")
	}
	if h.subs[date] == nil {
		h.subs[date] = make(map[*Subscription]struct{})
	}
	h.subs[date][sub] = struct{}{}
	h.mu.Unlock()

	// The snapshot is read after registration and outside the hub lock:
	// the store invokes broadcast while holding its partition lock, so
	// holding h.mu across a store read would invert the lock order. Any
	// mutation racing this read lands both in the snapshot and on raw;
	// the forwarder drops the append duplicates by position.
	utts, err := h.store.Utterances(date)
	if err != nil {
		h.unsubscribe(date, sub)
		return nil, fmt.Errorf("live: snapshot %q: %w", date, err)
	}
	lines := make([]Line, len(utts))
	for i, u := range utts {
		lines[i] = lineFromUtterance(u)
	}
	sub.Snapshot = lines

	go sub.forward(len(lines))
	return sub, nil
}

// SubscriberCount returns the number of attached subscriptions for date.
func (h *Hub) SubscriberCount(date string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[date])
}

// Close drops every subscriber and stops accepting new ones. Store events
// arriving after Close are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.raw) })
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}

// broadcast delivers one store event to every subscriber of its date. The
// send is non-blocking: a subscriber whose queue is full is dropped on the
// spot, which closes its Events channel and forces a reconnect.
func (h *Hub) broadcast(ev transcript.Event) {
	typ := "append"
	if ev.Type == transcript.EventReplace {
		typ = "replace"
	}
	line := lineFromUtterance(ev.Utt)
	msg := Message{Type: typ, Date: ev.Date, Pos: ev.Pos, Line: &line}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs[ev.Date] {
		select {
		case sub.raw <- msg:
		default:
			delete(h.subs[ev.Date], sub)
			sub.once.Do(func() { close(sub.raw) })
		}
	}
}

// unsubscribe removes sub from the hub and closes its channel.
func (h *Hub) unsubscribe(date string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[date][sub]; ok {
		delete(h.subs[date], sub)
		sub.once.Do(func() { close(sub.raw) })
	}
}
