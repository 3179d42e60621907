// Package gateway exposes the coordinator over HTTP: a JSON REST API
// under /tasks, live change feeds over WebSocket and SSE, and the usual
// health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskgate/internal/broadcast"
	"github.com/basket/taskgate/internal/coordinator"
	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/search"
)

type Config struct {
	Coordinator *coordinator.Coordinator
	Broadcaster *broadcast.Broadcaster
	Store       *persistence.Store
	Search      *search.Index // nil when search is disabled
	Logger      *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// /healthz so operators can confirm what a process is running.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.handleSSE)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.StatusCounts(ctx); err != nil {
		dbOK = false
	}

	var searchDocs uint64
	searchOK := s.cfg.Search != nil
	if searchOK {
		if n, err := s.cfg.Search.DocCount(); err == nil {
			searchDocs = n
		} else {
			searchOK = false
		}
	}

	payload := map[string]any{
		"healthy":           dbOK,
		"dbOk":              dbOK,
		"searchEnabled":     s.cfg.Search != nil,
		"searchOk":          searchOK,
		"searchDocs":        searchDocs,
		"subscribers":       s.cfg.Broadcaster.TotalSubscribers(),
		"configFingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, _ := s.cfg.Store.StatusCounts(ctx)
	eventCount, _ := s.cfg.Store.TotalEventCount(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	byStatus := make(map[string]int64, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	payload := map[string]any{
		"tasksByStatus":   byStatus,
		"taskEventsTotal": eventCount,
		"subscribers":     s.cfg.Broadcaster.TotalSubscribers(),
		"allocBytes":      mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, _ := s.cfg.Store.StatusCounts(ctx)
	eventCount, _ := s.cfg.Store.TotalEventCount(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP taskgate_tasks Number of tasks per status.\n")
	fmt.Fprintf(w, "# TYPE taskgate_tasks gauge\n")
	for status, n := range counts {
		fmt.Fprintf(w, "taskgate_tasks{status=%q} %d\n", string(status), n)
	}
	fmt.Fprintf(w, "# HELP taskgate_task_events_total Audit trail rows in the store.\n")
	fmt.Fprintf(w, "# TYPE taskgate_task_events_total counter\n")
	fmt.Fprintf(w, "taskgate_task_events_total %d\n", eventCount)
	fmt.Fprintf(w, "# HELP taskgate_subscribers Live broadcast subscriptions.\n")
	fmt.Fprintf(w, "# TYPE taskgate_subscribers gauge\n")
	fmt.Fprintf(w, "taskgate_subscribers %d\n", s.cfg.Broadcaster.TotalSubscribers())
	fmt.Fprintf(w, "# HELP taskgate_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE taskgate_alloc_bytes gauge\n")
	fmt.Fprintf(w, "taskgate_alloc_bytes %d\n", mem.Alloc)
}

// handleWS streams the caller's task events over a WebSocket. The
// subscription is scoped to the authenticated user; events for other
// owners never reach this connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, stop := s.cfg.Broadcaster.SubscribeChan(userID)
	defer stop()

	s.logger.Info("ws: client connected", "owner_id", userID)
	defer s.logger.Info("ws: client disconnected", "owner_id", userID)

	// Drain inbound frames so pings and client closes are noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "owner_id", userID, "error", err)
				return
			}
		}
	}
}

// handleSSE is the polling-free fallback for clients that cannot speak
// WebSocket. Same owner scoping, same event payloads.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	userID := UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, stop := s.cfg.Broadcaster.SubscribeChan(userID)
	defer stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "owner_id", userID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse: write failed", "owner_id", userID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the error envelope every endpoint shares:
// {"error": "...", "details": {...}}. Details are optional.
func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
