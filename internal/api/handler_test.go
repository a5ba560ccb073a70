//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/health"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/ashureev/eventcast/internal/registry"
	"github.com/ashureev/eventcast/internal/session"
	"github.com/ashureev/eventcast/internal/store"
	"github.com/ashureev/eventcast/internal/strategy"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type okStrategy struct {
	delay time.Duration
}

func (okStrategy) Method() domain.Method { return domain.MethodAPI }

func (s okStrategy) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	return adapter.ExecuteStep(ctx, req.Steps, "submit", "posting", func(ctx context.Context) (*adapter.Result, error) {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &adapter.Result{Success: true, PostID: "p1", URL: "https://example.com/" + req.Platform}, nil
	})
}

type defaultParser struct{}

func (defaultParser) Parse(e *domain.Event) (domain.PlatformContent, error) {
	c, _ := e.ContentFor("default")
	return c, nil
}

type noViolations struct{}

func (noViolations) Validate(domain.PlatformContent, []domain.FileRef) []adapter.Violation { return nil }

func testModule(id string, category adapter.Category, delay time.Duration) *adapter.Module {
	return &adapter.Module{
		Metadata:     adapter.Metadata{ID: id, DisplayName: id, Version: "1.0.0", Category: category},
		Schema:       &adapter.Schema{},
		Capabilities: &adapter.Capabilities{Text: true, Image: true},
		Service:      okStrategy{delay: delay},
		Parser:       defaultParser{},
		Validator:    noViolations{},
	}
}

const (
	opsKey    = "ops-key"
	socialKey = "social-key"
)

type testServer struct {
	*httptest.Server
	repo *store.SQLiteStore
	bus  *progress.Bus
}

func newTestServer(t *testing.T, delay time.Duration) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	reg := registry.New(nil, registry.Options{})
	for _, m := range []*adapter.Module{
		testModule("reddit", adapter.CategorySocial, delay),
		testModule("email", adapter.CategoryEmail, delay),
	} {
		if err := reg.Register(m); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	bus := progress.NewBus(progress.Options{})
	tracker := session.NewTracker(repo, session.Options{})
	selector := strategy.New(reg, strategy.Config{Mode: config.ModeHybrid, APIMaxAttempts: 1, AutomationMaxAttempts: 1}, nil)
	orch := orchestrator.New(context.Background(), orchestrator.Deps{
		Events:  repo,
		History: repo,
		Modules: reg,
		Tracker: tracker,
		Poster:  selector,
		Bus:     bus,
	}, orchestrator.Options{})
	t.Cleanup(orch.Wait)

	h := NewHandler(Deps{
		Orchestrator: orch,
		Registry:     reg,
		Events:       repo,
		Bus:          bus,
		Health:       health.NewChecker(map[string]health.Pinger{"database": repo}, nil),
		SSE:          config.SSEConfig{KeepaliveInterval: 50 * time.Millisecond, RetryDelay: time.Second},
	})

	policy, err := identity.ParsePolicy(opsKey + ":ops=*;" + socialKey + ":social=reddit")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	r := chi.NewRouter()
	h.RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(policy, false))
		h.RegisterRoutes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path, key string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if key != "" {
		req.Header.Set(identity.APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func galaEvent(files int, platforms ...string) domain.Event {
	ev := domain.Event{
		Name:    "Spring Gala",
		Meta:    domain.EventMeta{Title: "Spring Gala"},
		Content: map[string]domain.PlatformContent{"default": {Title: "Spring Gala", Body: "Join us"}},
	}
	for i := 0; i < files; i++ {
		ev.Files = append(ev.Files, domain.FileRef{Name: "poster.png", Path: "/uploads/poster.png", MimeType: "image/png", Size: 1024})
	}
	for _, p := range platforms {
		ev.Selection = append(ev.Selection, domain.PublishTarget{Platform: p, Selected: true})
	}
	return ev
}

func (s *testServer) publish(t *testing.T, eventID string) orchestrator.SubmitResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/publish", opsKey, map[string]string{"event_id": eventID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d, want 202", resp.StatusCode)
	}
	return decode[orchestrator.SubmitResponse](t, resp)
}

func (s *testServer) waitComplete(t *testing.T, eventID, sessionID string) domain.PublishSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := s.do(t, http.MethodGet, "/api/events/"+eventID+"/sessions/"+sessionID, opsKey, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get session status = %d", resp.StatusCode)
		}
		got := decode[domain.PublishSession](t, resp)
		if got.IsComplete() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not complete", sessionID)
	return domain.PublishSession{}
}

func TestPublishLifecycle(t *testing.T) {
	srv := newTestServer(t, 0)

	if resp := srv.do(t, http.MethodPut, "/api/events/ev1?current=true", opsKey, galaEvent(1, "reddit", "email")); resp.StatusCode != http.StatusOK {
		t.Fatalf("put event status = %d", resp.StatusCode)
	}

	sub := srv.publish(t, "")
	if sub.EventID != "ev1" {
		t.Errorf("event id = %q, want current event ev1", sub.EventID)
	}
	if len(sub.Platforms) != 2 {
		t.Errorf("platforms = %v", sub.Platforms)
	}

	got := srv.waitComplete(t, "ev1", sub.SessionID)
	if !got.OverallSuccess || len(got.Results) != 2 {
		t.Errorf("session = %+v, want two successful results", got)
	}

	sessions := decode[[]domain.PublishSession](t, srv.do(t, http.MethodGet, "/api/events/current/sessions", opsKey, nil))
	if len(sessions) != 1 || sessions[0].ID != sub.SessionID {
		t.Errorf("sessions = %+v", sessions)
	}

	stats := decode[domain.PublishStats](t, srv.do(t, http.MethodGet, "/api/events/ev1/stats", opsKey, nil))
	if stats.TotalSessions != 1 || stats.SuccessfulPlatforms != 2 {
		t.Errorf("stats = %+v", stats)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		history := decode[[]domain.HistoryRecord](t, srv.do(t, http.MethodGet, "/api/events/ev1/history?limit=5", opsKey, nil))
		if len(history) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history = %+v, want one record", history)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishErrors(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, http.MethodPut, "/api/events/ready", opsKey, galaEvent(1, "reddit", "email"))
	srv.do(t, http.MethodPut, "/api/events/nofiles", opsKey, galaEvent(0, "reddit"))

	tests := []struct {
		name       string
		key        string
		body       map[string]interface{}
		wantStatus int
		wantKind   string
	}{
		{"missing key", "", map[string]interface{}{"event_id": "ready"}, http.StatusUnauthorized, ""},
		{"denied platform", socialKey, map[string]interface{}{"event_id": "ready"}, http.StatusForbidden, "access"},
		{"no files", opsKey, map[string]interface{}{"event_id": "nofiles"}, http.StatusBadRequest, "precondition"},
		{"unknown event", opsKey, map[string]interface{}{"event_id": "missing"}, http.StatusNotFound, "not_found"},
		{"no current event", opsKey, map[string]interface{}{}, http.StatusBadRequest, "precondition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, http.MethodPost, "/api/publish", tt.key, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantKind == "" {
				return
			}
			body := decode[errorBody](t, resp)
			if body.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
			}
			if tt.wantKind == "access" && (len(body.Platforms) != 1 || body.Platforms[0] != "email") {
				t.Errorf("platforms = %v, want [email]", body.Platforms)
			}
		})
	}
}

func TestEventRoutes(t *testing.T) {
	srv := newTestServer(t, 0)

	if resp := srv.do(t, http.MethodGet, "/api/events/ev9", opsKey, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing event status = %d, want 404", resp.StatusCode)
	}
	if resp := srv.do(t, http.MethodPost, "/api/events/ev9/current", opsKey, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("set missing current status = %d, want 404", resp.StatusCode)
	}

	ev := galaEvent(1, "reddit")
	ev.ID = "other"
	if resp := srv.do(t, http.MethodPut, "/api/events/ev9", opsKey, ev); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mismatched id status = %d, want 400", resp.StatusCode)
	}

	ev.ID = ""
	srv.do(t, http.MethodPut, "/api/events/ev9", opsKey, ev)
	if resp := srv.do(t, http.MethodPost, "/api/events/ev9/current", opsKey, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("set current status = %d", resp.StatusCode)
	}
	got := decode[domain.Event](t, srv.do(t, http.MethodGet, "/api/events/current", opsKey, nil))
	if got.ID != "ev9" || got.Name != "Spring Gala" {
		t.Errorf("current event = %+v", got)
	}
}

func TestGetUnknownSession(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, http.MethodPut, "/api/events/ev1", opsKey, galaEvent(1, "reddit"))

	resp := srv.do(t, http.MethodGet, "/api/events/ev1/sessions/nope", opsKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func readSSE(t *testing.T, body io.Reader) (types []string, raw string) {
	t.Helper()
	var b strings.Builder
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		b.WriteString(line + "\n")
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
		}
	}
	return types, b.String()
}

func TestStreamEndsOnSessionComplete(t *testing.T) {
	srv := newTestServer(t, 20*time.Millisecond)
	srv.do(t, http.MethodPut, "/api/events/ev1", opsKey, galaEvent(1, "reddit"))
	sub := srv.publish(t, "ev1")

	resp := srv.do(t, http.MethodGet, "/api/sessions/"+sub.SessionID+"/stream?api_key="+opsKey, "", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	types, raw := readSSE(t, resp.Body)
	if !strings.HasPrefix(raw, "retry: 1000\n") {
		t.Errorf("stream should start with retry hint, got %q", raw[:min(len(raw), 40)])
	}
	if len(types) == 0 || types[len(types)-1] != string(domain.SessionCompleted) {
		t.Fatalf("event types = %v, want to end with session_complete", types)
	}
	if !strings.Contains(raw, "id: 1\n") {
		t.Errorf("replayed events should carry ids, got %q", raw)
	}
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, http.MethodPut, "/api/events/ev1", opsKey, galaEvent(1, "reddit"))
	sub := srv.publish(t, "ev1")
	srv.waitComplete(t, "ev1", sub.SessionID)

	em, ok := srv.bus.Get(sub.SessionID)
	if !ok {
		t.Fatal("emitter should still be on the bus")
	}
	last := em.LastSeq()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/"+sub.SessionID+"/stream", nil)
	req.Header.Set(identity.APIKeyHeader, opsKey)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	_, raw := readSSE(t, resp.Body)
	if strings.Contains(raw, "id: 1\n") {
		t.Errorf("event 1 should not be replayed after Last-Event-ID 1")
	}
	if !strings.Contains(raw, "id: 2\n") || !strings.Contains(raw, "id: "+strconv.FormatInt(last, 10)+"\n") {
		t.Errorf("events 2..%d should be replayed, got %q", last, raw)
	}
}

func TestStreamAfterFeedExpired(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.do(t, http.MethodPut, "/api/events/ev1", opsKey, galaEvent(1, "reddit"))
	sub := srv.publish(t, "ev1")
	srv.waitComplete(t, "ev1", sub.SessionID)
	srv.bus.Remove(sub.SessionID)

	resp := srv.do(t, http.MethodGet, "/api/sessions/"+sub.SessionID+"/stream", opsKey, nil)
	types, raw := readSSE(t, resp.Body)
	if len(types) != 1 || types[0] != string(domain.SessionCompleted) {
		t.Fatalf("event types = %v, want only session_complete", types)
	}
	if !strings.Contains(raw, `"overall_success":true`) {
		t.Errorf("completion event should carry the summary, got %q", raw)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	srv := newTestServer(t, 0)
	resp := srv.do(t, http.MethodGet, "/api/sessions/nope/stream", opsKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketFeed(t *testing.T) {
	srv := newTestServer(t, 20*time.Millisecond)
	srv.do(t, http.MethodPut, "/api/events/ev1", opsKey, galaEvent(1, "reddit", "email"))
	sub := srv.publish(t, "ev1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sub.SessionID + "?api_key=" + opsKey
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var platforms = map[string]bool{}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read before session_complete: %v", err)
		}
		var ev domain.StepEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Platform != "" {
			platforms[ev.Platform] = true
		}
		if ev.Type == domain.SessionCompleted {
			break
		}
	}
	if !platforms["reddit"] || !platforms["email"] {
		t.Errorf("events should cover both platforms, saw %v", platforms)
	}
}

func TestListAdapters(t *testing.T) {
	srv := newTestServer(t, 0)

	all := decode[[]adapterInfo](t, srv.do(t, http.MethodGet, "/api/adapters", opsKey, nil))
	if len(all) != 2 {
		t.Fatalf("adapters = %d, want 2", len(all))
	}
	if all[0].ID != "email" || all[1].ID != "reddit" {
		t.Errorf("adapters should be sorted by id, got %s, %s", all[0].ID, all[1].ID)
	}
	if !all[0].Service.Available || all[0].Service.Method != domain.MethodAPI {
		t.Errorf("service = %+v", all[0].Service)
	}

	email := decode[[]adapterInfo](t, srv.do(t, http.MethodGet, "/api/adapters?category=email", opsKey, nil))
	if len(email) != 1 || email[0].ID != "email" {
		t.Errorf("email adapters = %+v", email)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := srv.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]interface{}](t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}

	_ = srv.repo.Close()
	if resp := srv.do(t, http.MethodGet, "/health", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", resp.StatusCode)
	}
}

func TestLastEventID(t *testing.T) {
	tests := []struct {
		header, query string
		want          int64
	}{
		{"", "", 0},
		{"7", "", 7},
		{"", "4", 4},
		{"9", "4", 9},
		{"garbage", "", 0},
		{"-3", "", 0},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/stream?lastEventId="+tt.query, nil)
		if tt.header != "" {
			r.Header.Set("Last-Event-ID", tt.header)
		}
		if got := lastEventID(r); got != tt.want {
			t.Errorf("lastEventID(header=%q, query=%q) = %d, want %d", tt.header, tt.query, got, tt.want)
		}
	}
}
