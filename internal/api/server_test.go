package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lodestone-research/lodestone/internal/breaker"
	"github.com/lodestone-research/lodestone/internal/events"
	"github.com/lodestone-research/lodestone/internal/pipeline"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
	"github.com/lodestone-research/lodestone/internal/store/memory"
)

type fakePipeline struct {
	st        store.Store
	startErr  error
	cancelErr error
	started   []string
	cancelled []string
}

func (f *fakePipeline) Start(ctx context.Context, query string, cfg store.SessionConfig) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := fmt.Sprintf("session-%d", len(f.started)+1)
	f.started = append(f.started, query)
	session := store.Session{
		ID:     id,
		Query:  query,
		Status: store.StatusPending,
		Config: cfg,
	}
	if err := f.st.CreateSession(ctx, session); err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakePipeline) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return f.st.GetSession(ctx, sessionID)
}

func (f *fakePipeline) Cancel(ctx context.Context, sessionID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakePipeline, store.Store, *events.Broker) {
	t.Helper()
	st := memory.New()
	broker := events.NewBroker()
	svc := &fakePipeline{st: st}
	server := NewServer(st, broker, svc, router.DefaultTable(), breaker.NewRegistry(breaker.Config{}))
	return server, svc, st, broker
}

func TestCreateSession(t *testing.T) {
	server, svc, _, _ := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{
		Query:  "impact of interest rates on housing",
		Config: store.SessionConfig{MaxSubQuestions: 3, BudgetUSD: 0.5},
	})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["session_id"] == "" || resp["status"] != store.StatusPending {
		t.Errorf("unexpected response %v", resp)
	}
	if len(svc.started) != 1 {
		t.Errorf("pipeline started %d times", len(svc.started))
	}
}

func TestCreateSession_InvalidSubmission(t *testing.T) {
	server, svc, _, _ := newTestServer(t)
	svc.startErr = pipeline.ErrInvalidSubmission{Reason: "query must not be empty"}

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateSession_MalformedBody(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetSession(t *testing.T) {
	server, _, st, _ := newTestServer(t)
	seed := store.Session{ID: "abc", Query: "q", Status: store.StatusCompleted, Report: "the report"}
	if err := st.CreateSession(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "abc" || got.Report != "the report" {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	server, _, st, _ := newTestServer(t)
	for _, id := range []string{"a", "b"} {
		if err := st.CreateSession(context.Background(), store.Session{ID: id, Status: store.StatusPending}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []store.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(resp.Sessions))
	}
}

func TestCancelSession(t *testing.T) {
	server, svc, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/abc/cancel", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "abc" {
		t.Errorf("cancelled = %v", svc.cancelled)
	}
}

func TestCancelSession_NotFound(t *testing.T) {
	server, svc, _, _ := newTestServer(t)
	svc.cancelErr = pipeline.ErrSessionNotFound

	req := httptest.NewRequest(http.MethodPost, "/sessions/unknown/cancel", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Models []router.ModelSpec `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) == 0 {
		t.Error("expected the default model table")
	}
}

func TestHealthAndReady(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var resp readinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if resp.Status != "ok" || resp.Subsystems["store"].Status != "ok" {
		t.Errorf("readiness = %+v", resp)
	}
}

func TestReady_ReportsOpenBreaker(t *testing.T) {
	st := memory.New()
	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	br := registry.Get("llm-inference")
	_ = br.Allow()
	br.RecordFailure()

	server := NewServer(st, events.NewBroker(), &fakePipeline{st: st}, router.DefaultTable(), registry)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("an open breaker must not fail readiness, status = %d", rec.Code)
	}
	var resp readinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %s, want degraded", resp.Status)
	}
	if resp.Subsystems["upstream:llm-inference"].Status != string(breaker.StateOpen) {
		t.Errorf("subsystems = %+v", resp.Subsystems)
	}
}

// TestStreamEvents_ReplayAndLive exercises the SSE endpoint end to end:
// persisted history after a cursor, then live events, ending at the
// terminal event.
func TestStreamEvents_ReplayAndLive(t *testing.T) {
	server, _, st, broker := newTestServer(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		if err := st.AppendEvent(ctx, store.SessionEvent{
			SessionID: "abc",
			Seq:       seq,
			Type:      "stage.completed",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Percent:   float64(seq) * 20,
		}); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/sessions/abc/events?after=1")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() events.ProgressEvent {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				var event events.ProgressEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return event
			}
		}
	}

	// Replay skips seq 1 per the cursor.
	if event := readEvent(); event.Seq != 2 {
		t.Fatalf("first replayed seq = %d, want 2", event.Seq)
	}
	if event := readEvent(); event.Seq != 3 {
		t.Fatalf("second replayed seq = %d, want 3", event.Seq)
	}

	// Live events follow, terminal closes the stream.
	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.Publish(events.ProgressEvent{SessionID: "abc", Seq: 4, Type: "session.completed", Percent: 100})
	}()
	event := readEvent()
	if event.Seq != 4 || !event.Terminal() {
		t.Fatalf("live event = %+v", event)
	}
	if _, err := reader.ReadString('\n'); err == nil {
		// Trailing newline from the final frame; the next read must be EOF.
		if _, err := reader.ReadByte(); err == nil {
			t.Error("stream not closed after terminal event")
		}
	}
}
