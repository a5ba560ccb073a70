package reddit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
)

func testConfig() config.RedditConfig {
	return config.RedditConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		Username:     "bot",
		Password:     "pw",
		UserAgent:    "eventcast-test",
	}
}

type fakeReddit struct {
	tokenCalls  atomic.Int32
	submitCalls atomic.Int32
	submitCode  int
	errors      [][]any

	// failSR answers 502 for the first failLeft submissions to it.
	failSR   string
	failLeft atomic.Int32

	mu   sync.Mutex
	bySR map[string]int
}

func (f *fakeReddit) submissions(sr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bySR[sr]
}

func (f *fakeReddit) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.FormValue("password") != "pw" {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/api/submit", func(w http.ResponseWriter, r *http.Request) {
		n := f.submitCalls.Add(1)
		if r.Header.Get("Authorization") != "bearer tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if f.submitCode != 0 {
			http.Error(w, "upstream", f.submitCode)
			return
		}
		sr := r.FormValue("sr")
		if sr == f.failSR && f.failLeft.Add(-1) >= 0 {
			http.Error(w, "upstream", http.StatusBadGateway)
			return
		}
		f.mu.Lock()
		if f.bySR == nil {
			f.bySR = make(map[string]int)
		}
		f.bySR[sr]++
		f.mu.Unlock()
		var resp submitResponse
		resp.JSON.Errors = f.errors
		if len(f.errors) == 0 {
			resp.JSON.Data = Post{
				ID:   "abc",
				Name: "t3_abc",
				URL:  "https://www.reddit.com/r/" + sr + "/comments/abc" + string(rune('0'+n)) + "/",
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newAPI(t *testing.T, f *fakeReddit, cfg config.RedditConfig) *API {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(cfg, srv.Client())
	c.authURL, c.apiURL = srv.URL, srv.URL
	return NewAPI(c, "events")
}

func request(targets ...string) *adapter.Request {
	return &adapter.Request{
		Platform: "reddit",
		Content:  domain.PlatformContent{Title: "Spring Gala", Body: "Join us", Targets: targets},
	}
}

func TestPublishToMultipleSubreddits(t *testing.T) {
	t.Parallel()
	f := &fakeReddit{}
	api := newAPI(t, f, testConfig())

	res, err := api.Publish(context.Background(), request("r/localevents", "/r/music", "music"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !res.Success || res.PostID != "t3_abc" {
		t.Errorf("result = %+v", res)
	}
	if got := f.submitCalls.Load(); got != 2 {
		t.Errorf("submit calls = %d, want 2 (duplicates collapsed)", got)
	}
	if got := f.tokenCalls.Load(); got != 1 {
		t.Errorf("token calls = %d, want 1 (cached)", got)
	}
}

func TestRetrySkipsSubredditsAlreadyPosted(t *testing.T) {
	t.Parallel()
	f := &fakeReddit{failSR: "music"}
	f.failLeft.Store(1)
	api := newAPI(t, f, testConfig())
	req := request("localevents", "music")
	req.SessionID = "s1"

	if _, err := api.Publish(context.Background(), req.Clone()); err == nil {
		t.Fatal("expected first attempt to fail on r/music")
	}
	res, err := api.Publish(context.Background(), req.Clone())
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if !strings.Contains(res.URL, "/r/music/") {
		t.Errorf("result url = %q, want the r/music post", res.URL)
	}
	if got := f.submissions("localevents"); got != 1 {
		t.Errorf("r/localevents submissions = %d, want 1", got)
	}
	if got := f.submissions("music"); got != 1 {
		t.Errorf("r/music submissions = %d, want 1", got)
	}
	if _, tracked := api.posted.lookup("s1", "localevents"); tracked {
		t.Error("session should be forgotten once every subreddit is reached")
	}
}

func TestPostedLogRemainingAndExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newPostedLog()
	l.now = func() time.Time { return now }

	l.record("s1", "LocalEvents", &Post{Name: "t3_a"})
	if got := l.remaining("s1", targets{"localevents", "music"}); len(got) != 1 || got[0] != "music" {
		t.Errorf("remaining() = %v, want [music]", got)
	}
	if got := l.remaining("", targets{"localevents"}); len(got) != 1 {
		t.Errorf("untracked request should keep every target, got %v", got)
	}

	now = now.Add(2 * time.Hour)
	l.record("s2", "music", &Post{Name: "t3_b"})
	if _, ok := l.lookup("s1", "localevents"); ok {
		t.Error("stale session should have been pruned")
	}
}

func TestPublishFallsBackToDefaultSubreddit(t *testing.T) {
	t.Parallel()
	f := &fakeReddit{}
	api := newAPI(t, f, testConfig())

	res, err := api.Publish(context.Background(), request())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.URL == "" {
		t.Error("expected post url")
	}
}

func TestBadCredentialsAreNotRetryable(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Password = "wrong"
	api := newAPI(t, &fakeReddit{}, cfg)

	_, err := api.Publish(context.Background(), request("events"))
	code, retryable := adapter.Classify(err)
	if code != adapter.CodeAuth || retryable {
		t.Errorf("Classify() = %s, %v; want AUTH_FAILED, false", code, retryable)
	}
}

func TestUpstreamFailuresClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		fake      *fakeReddit
		wantCode  string
		retryable bool
	}{
		{"server error", &fakeReddit{submitCode: http.StatusBadGateway}, "HTTP_502", true},
		{"rate limited", &fakeReddit{submitCode: http.StatusTooManyRequests}, adapter.CodeRateLimited, true},
		{"ratelimit body", &fakeReddit{errors: [][]any{{"RATELIMIT", "try again in 5 minutes", "ratelimit"}}}, adapter.CodeRateLimited, true},
		{"subreddit rejects", &fakeReddit{errors: [][]any{{"SUBREDDIT_NOTALLOWED", "not allowed", "sr"}}}, adapter.CodeRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newAPI(t, tt.fake, testConfig()).Publish(context.Background(), request("events"))
			code, retryable := adapter.Classify(err)
			if code != tt.wantCode || retryable != tt.retryable {
				t.Errorf("Classify() = %s, %v; want %s, %v", code, retryable, tt.wantCode, tt.retryable)
			}
		})
	}
}

func TestAvailability(t *testing.T) {
	t.Parallel()
	if adapter.IsAvailable(NewAPI(NewClient(config.RedditConfig{}, nil), "")) {
		t.Error("API without credentials should be unavailable")
	}
	mod := Module(testConfig(), NewClient(testConfig(), nil), nil, nil)
	if fields := mod.InvalidFields(); len(fields) > 0 {
		t.Errorf("InvalidFields() = %v", fields)
	}
	if mod.Automation != nil {
		t.Error("automation should be nil without an engine")
	}
}

func TestResolveTargetsRequiresOne(t *testing.T) {
	t.Parallel()
	_, err := resolveTargets(request(), "")
	code, _ := adapter.Classify(err)
	if code != adapter.CodeValidation {
		t.Errorf("code = %s, want %s", code, adapter.CodeValidation)
	}
}
