package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/ashureev/eventcast/internal/registry"
	"github.com/ashureev/eventcast/internal/session"
	"github.com/ashureev/eventcast/internal/store"
	"github.com/ashureev/eventcast/internal/strategy"
)

type scriptedStrategy struct {
	method   domain.Method
	failures int // -1 fails forever
	err      error

	mu    sync.Mutex
	calls int
}

func (s *scriptedStrategy) Method() domain.Method { return s.method }

func (s *scriptedStrategy) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	return adapter.ExecuteStep(ctx, req.Steps, "submit", "posting", func(context.Context) (*adapter.Result, error) {
		if s.failures < 0 || n <= s.failures {
			return nil, s.err
		}
		return &adapter.Result{Success: true, PostID: req.Platform + "-1", URL: "https://example.com/" + req.Platform}, nil
	})
}

func (s *scriptedStrategy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type passthroughParser struct{}

func (passthroughParser) Parse(e *domain.Event) (domain.PlatformContent, error) {
	c, _ := e.ContentFor("default")
	return c, nil
}

type titleValidator struct{ maxTitle int }

func (v titleValidator) Validate(c domain.PlatformContent, _ []domain.FileRef) []adapter.Violation {
	if v.maxTitle > 0 && len(c.Title) > v.maxTitle {
		return []adapter.Violation{{Field: "title", Message: "title too long"}}
	}
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	sessions []*domain.PublishSession
}

func (n *recordingNotifier) SessionCompleted(_ context.Context, s *domain.PublishSession) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, s)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

type harness struct {
	orch     *Orchestrator
	repo     *store.SQLiteStore
	bus      *progress.Bus
	notifier *recordingNotifier
}

func module(id string, api, auto adapter.Strategy, v adapter.Validator) *adapter.Module {
	return &adapter.Module{
		Metadata:     adapter.Metadata{ID: id, DisplayName: id, Version: "1.0.0", Category: adapter.CategorySocial},
		Schema:       &adapter.Schema{},
		Capabilities: &adapter.Capabilities{Text: true, Image: true},
		Service:      api,
		Automation:   auto,
		Parser:       passthroughParser{},
		Validator:    v,
	}
}

func newHarness(t *testing.T, retention int, modules ...*adapter.Module) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	reg := registry.New(nil, registry.Options{})
	for _, m := range modules {
		require.NoError(t, reg.Register(m))
	}

	bus := progress.NewBus(progress.Options{})
	tracker := session.NewTracker(repo, session.Options{})
	selector := strategy.New(reg, strategy.Config{
		Mode:                  config.ModeHybrid,
		APIMaxAttempts:        2,
		APIBaseDelay:          time.Millisecond,
		AutomationMaxAttempts: 2,
		AutomationBaseDelay:   2 * time.Millisecond,
	}, nil)
	notifier := &recordingNotifier{}

	orch := New(context.Background(), Deps{
		Events:   repo,
		History:  repo,
		Modules:  reg,
		Tracker:  tracker,
		Poster:   selector,
		Bus:      bus,
		Notifier: notifier,
	}, Options{Retention: retention, MaxFileSize: 20 << 20})

	return &harness{orch: orch, repo: repo, bus: bus, notifier: notifier}
}

func saveEvent(t *testing.T, repo *store.SQLiteStore, id string, files int, platforms ...string) {
	t.Helper()
	ev := &domain.Event{
		ID:       id,
		Name:     "Spring Gala",
		Meta:     domain.EventMeta{Title: "Spring Gala", Date: "2026-05-01", Venue: "Town Hall"},
		Content:  map[string]domain.PlatformContent{"default": {Title: "Spring Gala", Body: "Join us"}},
		Hashtags: []string{"#gala"},
	}
	for i := 0; i < files; i++ {
		ev.Files = append(ev.Files, domain.FileRef{Name: "poster.png", Path: "/uploads/poster.png", MimeType: "image/png", Size: 2048})
	}
	for _, p := range platforms {
		ev.Selection = append(ev.Selection, domain.PublishTarget{Platform: p, Selected: true})
	}
	require.NoError(t, repo.SaveEvent(context.Background(), ev))
}

func waitComplete(t *testing.T, h *harness, eventID, sessionID string) *domain.PublishSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.orch.GetSession(context.Background(), eventID, sessionID)
		require.NoError(t, err)
		if s.IsComplete() {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not complete", sessionID)
	return nil
}

func resultFor(s *domain.PublishSession, platform string) domain.PublishResult {
	for _, r := range s.Results {
		if r.Platform == platform {
			return r
		}
	}
	return domain.PublishResult{}
}

func TestScenarioAFallbackCompletesSession(t *testing.T) {
	t.Parallel()
	redditAPI := &scriptedStrategy{method: domain.MethodAPI}
	emailAPI := &scriptedStrategy{method: domain.MethodAPI, failures: -1, err: adapter.StatusError("send", 503, errors.New("smtp relay down"))}
	emailAuto := &scriptedStrategy{method: domain.MethodPlaywright}

	h := newHarness(t, 10,
		module("reddit", redditAPI, nil, titleValidator{}),
		module("email", emailAPI, emailAuto, titleValidator{}),
	)
	saveEvent(t, h.repo, "ev-a", 1, "reddit", "email")

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{
		EventID:  "ev-a",
		Identity: identity.Unrestricted("tester"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)

	s := waitComplete(t, h, "ev-a", resp.SessionID)
	h.orch.Wait()

	assert.True(t, s.OverallSuccess)
	assert.Len(t, s.Results, 2)
	assert.Equal(t, domain.MethodAPI, resultFor(s, "reddit").Method)
	assert.Equal(t, 1, redditAPI.Calls())

	email := resultFor(s, "email")
	assert.True(t, email.Success)
	assert.Equal(t, domain.MethodPlaywright, email.Method)
	assert.Equal(t, 2, emailAPI.Calls(), "api strategy should be retried before falling back")
	assert.Equal(t, 3, email.Attempts)

	history, err := h.orch.History(context.Background(), "ev-a", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].OverallSuccess)
	assert.Equal(t, 1, h.notifier.count())
}

func TestScenarioBUnauthorizedPlatformIsRejected(t *testing.T) {
	t.Parallel()
	api := &scriptedStrategy{method: domain.MethodAPI}
	h := newHarness(t, 10, module("reddit", api, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-b", 1, "reddit")

	policy, err := identity.ParsePolicy("k:alice=email")
	require.NoError(t, err)
	alice, _ := policy.Resolve("k")

	before, err := h.orch.Stats(context.Background(), "ev-b")
	require.NoError(t, err)

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-b", Platforms: []string{"reddit", "email"}, Identity: alice})
	require.Error(t, err)
	assert.Nil(t, resp)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindAccess, oe.Kind)
	assert.Equal(t, 403, oe.HTTPStatus())
	assert.Equal(t, []string{"reddit"}, oe.Platforms)

	after, err := h.orch.Stats(context.Background(), "ev-b")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, api.Calls())
}

func TestScenarioCNoFilesIsPrecondition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-c", 0, "reddit")

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-c", Identity: identity.Unrestricted("tester")})
	assert.Nil(t, resp)
	assert.Equal(t, KindPrecondition, KindOf(err))

	sessions, err := h.orch.Sessions(context.Background(), "ev-c")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSubmitPreconditions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-none", 1)
	ctx := context.Background()
	caller := identity.Unrestricted("tester")

	_, err := h.orch.Submit(ctx, SubmitRequest{Identity: caller})
	assert.Equal(t, KindPrecondition, KindOf(err), "no current event set")

	_, err = h.orch.Submit(ctx, SubmitRequest{EventID: "missing", Identity: caller})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.orch.Submit(ctx, SubmitRequest{EventID: "ev-none", Identity: caller})
	assert.Equal(t, KindPrecondition, KindOf(err), "no platforms selected")

	_, err = h.orch.Submit(ctx, SubmitRequest{EventID: "ev-none", Platforms: []string{"reddit"}})
	assert.Equal(t, KindAccess, KindOf(err), "anonymous caller")
}

func TestSubmitResolvesCurrentEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-cur", 1, "reddit")
	require.NoError(t, h.repo.SetCurrentEvent(context.Background(), "ev-cur"))

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: domain.CurrentEventID, Identity: identity.Unrestricted("tester")})
	require.NoError(t, err)
	assert.Equal(t, "ev-cur", resp.EventID)
	waitComplete(t, h, "current", resp.SessionID)
	h.orch.Wait()
}

func TestValidationFailureIsRecordedIntoSession(t *testing.T) {
	t.Parallel()
	api := &scriptedStrategy{method: domain.MethodAPI}
	h := newHarness(t, 10,
		module("reddit", api, nil, titleValidator{maxTitle: 5}),
		module("email", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}),
	)
	saveEvent(t, h.repo, "ev-v", 1, "reddit", "email")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-v", Identity: identity.Unrestricted("tester")})
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindValidation, oe.Kind)
	assert.Equal(t, 422, oe.HTTPStatus())
	require.Len(t, oe.Violations, 1)
	assert.Equal(t, "reddit", oe.Violations[0].Platform)
	require.NotEmpty(t, oe.SessionID)

	s, err := h.orch.GetSession(context.Background(), "ev-v", oe.SessionID)
	require.NoError(t, err)
	assert.True(t, s.IsComplete())
	assert.False(t, s.OverallSuccess)
	assert.Contains(t, resultFor(s, "reddit").Error, "title too long")
	assert.Zero(t, api.Calls(), "nothing is published when validation fails")
}

func TestUnregisteredPlatformIsAValidationError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-u", 1, "reddit")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		EventID:   "ev-u",
		Platforms: []string{"reddit", "myspace"},
		Identity:  identity.Unrestricted("tester"),
	})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestProgressFeedEndsWithSessionComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-p", 1, "reddit")

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-p", Identity: identity.Unrestricted("tester")})
	require.NoError(t, err)

	em, ok := h.bus.Get(resp.SessionID)
	require.True(t, ok, "emitter must exist as soon as Submit returns")
	sub := em.Subscribe(0)
	defer sub.Close()

	var types []domain.StepEventType
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
			if ev.Type.IsTerminal() {
				assert.Equal(t, domain.StepStarted, types[0])
				assert.Contains(t, types, domain.StepCompleted)
				assert.Equal(t, true, ev.Data["overall_success"])
				return
			}
		case <-timeout:
			t.Fatalf("no session_complete; saw %v", types)
		}
	}
}

func TestRetentionCleanupRunsOnCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, module("reddit", &scriptedStrategy{method: domain.MethodAPI}, nil, titleValidator{}))
	saveEvent(t, h.repo, "ev-r", 1, "reddit")

	var last string
	for i := 0; i < 3; i++ {
		resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-r", Identity: identity.Unrestricted("tester")})
		require.NoError(t, err)
		waitComplete(t, h, "ev-r", resp.SessionID)
		last = resp.SessionID
	}
	h.orch.Wait()

	sessions, err := h.orch.Sessions(context.Background(), "ev-r")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, last, sessions[0].ID)
}

func TestPanickingAdapterIsIsolated(t *testing.T) {
	t.Parallel()
	boom := adapter.PublisherFunc{M: domain.MethodAPI, Fn: func(context.Context, *adapter.Request) (*adapter.Result, error) {
		panic("adapter bug")
	}}
	ok := &scriptedStrategy{method: domain.MethodAPI}
	h := newHarness(t, 10,
		module("reddit", boom, nil, titleValidator{}),
		module("email", ok, nil, titleValidator{}),
	)
	saveEvent(t, h.repo, "ev-x", 1, "reddit", "email")

	resp, err := h.orch.Submit(context.Background(), SubmitRequest{EventID: "ev-x", Identity: identity.Unrestricted("tester")})
	require.NoError(t, err)

	s := waitComplete(t, h, "ev-x", resp.SessionID)
	h.orch.Wait()
	assert.False(t, s.OverallSuccess)
	assert.False(t, resultFor(s, "reddit").Success)
	assert.True(t, resultFor(s, "email").Success)
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	cases := map[ErrorKind]int{
		KindPrecondition: 400,
		KindAccess:       403,
		KindValidation:   422,
		KindNotFound:     404,
		KindUpstream:     502,
		KindConnection:   503,
		KindInternal:     500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, (&Error{Kind: kind}).HTTPStatus(), kind)
	}
	assert.Equal(t, KindUpstream, classify("x", adapter.StatusError("n8n", 500, nil)).Kind)
	assert.Equal(t, KindConnection, classify("x", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindInternal, classify("x", errors.New("odd")).Kind)
}
