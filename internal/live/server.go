package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mimamori-dev/mimamori/internal/health"
	"github.com/mimamori-dev/mimamori/internal/incident"
	"github.com/mimamori-dev/mimamori/internal/observe"
	"github.com/mimamori-dev/mimamori/internal/transcript"
)

// Server exposes the transcript and incident output to viewers:
//
//	GET /api/dates            — dates with transcript content
//	GET /api/logs/{date}      — full transcript with NG-hit counters
//	GET /api/summaries/{date} — incident records for a date
//	WS  /ws/logs/{date}       — snapshot plus live append/replace events
//
// plus /healthz, /readyz, and /metrics.
type Server struct {
	hub     *Hub
	store   *transcript.Store
	records *incident.RecordStore
	health  *health.Handler
	metrics *observe.Metrics
	comfort string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithComfortMessage sets the reassurance text included in log responses.
func WithComfortMessage(msg string) ServerOption {
	return func(s *Server) { s.comfort = msg }
}

// WithServerMetrics sets the metrics sink for viewer gauges.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a Server over the given hub, stores, and health handler.
func NewServer(hub *Hub, store *transcript.Store, records *incident.RecordStore, h *health.Handler, opts ...ServerOption) *Server {
	s := &Server{hub: hub, store: store, records: records, health: h}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the server's route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/dates", s.handleDates)
	mux.HandleFunc("GET /api/logs/{date}", s.handleLogs)
	mux.HandleFunc("GET /api/summaries/{date}", s.handleSummaries)
	mux.HandleFunc("GET /ws/logs/{date}", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return mux
}

// datesResponse is the JSON body for the dates endpoint.
type datesResponse struct {
	Dates []string `json:"dates"`
}

func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.store.Dates()
	if err != nil {
		http.Error(w, "failed to list dates: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, datesResponse{Dates: dates})
}

// logsResponse is the JSON body for the logs endpoint. Counters maps each
// matched keyword to its hit count across the date's lines.
type logsResponse struct {
	Date           string         `json:"date"`
	ComfortMessage string         `json:"comfort_message,omitempty"`
	Lines          []Line         `json:"lines"`
	Counters       map[string]int `json:"counters"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	utts, err := s.store.Utterances(date)
	if err != nil {
		http.Error(w, "failed to read log: "+err.Error(), http.StatusBadRequest)
		return
	}

	lines := make([]Line, len(utts))
	counters := make(map[string]int)
	for i, u := range utts {
		lines[i] = lineFromUtterance(u)
		for _, hit := range u.Hits {
			counters[hit]++
		}
	}
	writeJSON(w, http.StatusOK, logsResponse{
		Date:           date,
		ComfortMessage: s.comfort,
		Lines:          lines,
		Counters:       counters,
	})
}

// summariesResponse is the JSON body for the summaries endpoint.
type summariesResponse struct {
	Date    string            `json:"date"`
	Records []incident.Record `json:"records"`
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	recs, err := s.records.List(date)
	if err != nil {
		http.Error(w, "failed to read summaries: "+err.Error(), http.StatusBadRequest)
		return
	}
	if recs == nil {
		recs = []incident.Record{}
	}
	writeJSON(w, http.StatusOK, summariesResponse{Date: date, Records: recs})
}

// handleWS upgrades to websocket and streams the date channel: one snapshot
// frame, then one frame per append/replace event. The connection ends when
// the viewer disconnects, the subscriber falls behind, or the server shuts
// down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")

	sub, err := s.hub.Subscribe(date)
	if err != nil {
		http.Error(w, "subscribe failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "date", date, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if s.metrics != nil {
		s.metrics.ActiveViewers.Add(r.Context(), 1)
		defer s.metrics.ActiveViewers.Add(r.Context(), -1)
	}

	// CloseRead discards incoming frames and cancels the returned context
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	snapshot := Message{Type: "snapshot", Date: date, Lines: sub.Snapshot}
	if snapshot.Lines == nil {
		snapshot.Lines = []Line{}
	}
	if err := writeFrame(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Events:
			if !ok {
				// Dropped for falling behind; the viewer reconnects and
				// re-fetches full state via the snapshot.
				conn.Close(websocket.StatusTryAgainLater, "behind")
				return
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
