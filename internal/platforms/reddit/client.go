package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
)

const (
	defaultAuthURL = "https://www.reddit.com"
	defaultAPIURL  = "https://oauth.reddit.com"
)

// Client talks to the Reddit OAuth API as a script app.
type Client struct {
	cfg     config.RedditConfig
	http    *http.Client
	authURL string
	apiURL  string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient creates a Reddit API client.
func NewClient(cfg config.RedditConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: hc, authURL: defaultAuthURL, apiURL: defaultAPIURL}
}

// Configured reports whether script-app credentials are set.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.Username != "" && c.cfg.Password != ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Token returns a cached access token, fetching a new one when needed.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.cfg.Username},
		"password":   {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	var tok tokenResponse
	if err := c.do(req, "fetch token", &tok); err != nil {
		return "", err
	}
	// Reddit reports bad credentials as 200 with an error field.
	if tok.Error != "" || tok.AccessToken == "" {
		return "", adapter.NewError(adapter.KindAuth, "fetch token", fmt.Errorf("reddit rejected credentials: %s", tok.Error))
	}

	c.token = tok.AccessToken
	c.expires = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

// Submission is one post to create.
type Submission struct {
	Subreddit string
	Title     string
	Text      string
	URL       string
}

// Post is a created submission.
type Post struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type submitResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   Post    `json:"data"`
	} `json:"json"`
}

// Submit creates a link post when URL is set, a self post otherwise.
func (c *Client) Submit(ctx context.Context, s Submission) (*Post, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"sr":       {s.Subreddit},
		"title":    {s.Title},
		"api_type": {"json"},
		"resubmit": {"true"},
	}
	if s.URL != "" {
		form.Set("kind", "link")
		form.Set("url", s.URL)
	} else {
		form.Set("kind", "self")
		form.Set("text", s.Text)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	var resp submitResponse
	if err := c.do(req, "submit to r/"+s.Subreddit, &resp); err != nil {
		if ae, ok := adapter.AsError(err); ok && ae.Kind == adapter.KindAuth {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		return nil, err
	}
	if len(resp.JSON.Errors) > 0 {
		return nil, submitError(s.Subreddit, resp.JSON.Errors)
	}
	if resp.JSON.Data.URL == "" {
		return nil, adapter.NewError(adapter.KindRejected, "submit to r/"+s.Subreddit, errors.New("reddit returned no post url"))
	}
	return &resp.JSON.Data, nil
}

// submitError maps reddit's [code, message, field] error triples.
func submitError(subreddit string, errs [][]any) error {
	parts := make([]string, 0, len(errs))
	kind := adapter.KindRejected
	for _, e := range errs {
		if len(e) == 0 {
			continue
		}
		code := fmt.Sprint(e[0])
		if code == "RATELIMIT" {
			kind = adapter.KindRateLimited
		}
		if len(e) > 1 {
			parts = append(parts, fmt.Sprintf("%s: %v", code, e[1]))
		} else {
			parts = append(parts, code)
		}
	}
	return adapter.NewError(kind, "submit to r/"+subreddit, errors.New(strings.Join(parts, "; ")))
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return adapter.StatusError(op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
