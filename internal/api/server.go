package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lodestone-research/lodestone/internal/breaker"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
)

// PipelineService is what the transport needs from the controller.
type PipelineService interface {
	Start(ctx context.Context, query string, cfg store.SessionConfig) (string, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	Cancel(ctx context.Context, sessionID string) error
}

type Broker interface {
	Publish(event events.ProgressEvent)
	Subscribe(ctx context.Context, sessionID string) <-chan events.ProgressEvent
}

type Server struct {
	store    store.Store
	broker   Broker
	pipeline PipelineService
	table    *router.Table
	breakers *breaker.Registry
}

func NewServer(st store.Store, broker Broker, pipeline PipelineService, table *router.Table, breakers *breaker.Registry) *Server {
	return &Server{
		store:    st,
		broker:   broker,
		pipeline: pipeline,
		table:    table,
		breakers: breakers,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/sessions", s.createSession)
	r.Get("/sessions", s.listSessions)
	r.Get("/sessions/{id}", s.getSession)
	r.Post("/sessions/{id}/cancel", s.cancelSession)
	r.Get("/sessions/{id}/events", s.streamEvents)
	r.Get("/models", s.listModels)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/sessions" || cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

// ready probes the store and reports circuit state per upstream. An open
// circuit degrades the report but does not fail readiness: the service can
// still serve snapshots and cached results.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK
	status := "ok"

	if _, err := s.store.ListSessions(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
		status = "degraded"
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.breakers != nil {
		for upstream, state := range s.breakers.States() {
			entry := subsystemStatus{Status: string(state)}
			if state != breaker.StateClosed {
				status = "degraded"
			}
			subsystems["upstream:"+upstream] = entry
		}
	}

	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	if s.table == nil {
		writeJSONStatus(w, map[string]any{"models": []any{}}, http.StatusOK)
		return
	}
	writeJSONStatus(w, map[string]any{"models": s.table.Models()}, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	// Subscribe before replaying so nothing published during the replay is
	// lost; duplicates are filtered by sequence below.
	live := s.broker.Subscribe(ctx, sessionID)

	afterSeq := parseAfterSeq(sessionID, r)
	stored, err := s.store.ListEvents(ctx, sessionID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastSeq := afterSeq
	for _, event := range stored {
		sendSSE(w, toEvent(event))
		flusher.Flush()
		lastSeq = event.Seq
		if toEvent(event).Terminal() {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			sendSSE(w, event)
			flusher.Flush()
			lastSeq = event.Seq
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.ProgressEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.SessionID, event.Seq)
	fmt.Fprint(w, "event: progress\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func toEvent(event store.SessionEvent) events.ProgressEvent {
	return events.ProgressEvent{
		SessionID: event.SessionID,
		Seq:       event.Seq,
		Type:      events.NormalizeType(event.Type),
		Ts:        event.Timestamp,
		Stage:     event.Stage,
		Percent:   event.Percent,
		CostUSD:   event.CostUSD,
		Tokens:    event.Tokens,
		Payload:   event.Payload,
	}
}

// parseAfterSeq reads the replay cursor from either the `after` query
// parameter or an SSE Last-Event-ID header on reconnect.
func parseAfterSeq(sessionID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 || parts[0] != sessionID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
