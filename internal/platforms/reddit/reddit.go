// Package reddit publishes event posts to one or more subreddits.
package reddit

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/automation"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/platforms/render"
)

//go:embed scripts/submit.js
var submitScript string

const (
	maxTitleRunes = 300
	maxBodyRunes  = 40000
)

// API publishes through the Reddit OAuth API.
type API struct {
	client           *Client
	defaultSubreddit string
	posted           *postedLog
}

// NewAPI creates the API strategy.
func NewAPI(client *Client, defaultSubreddit string) *API {
	return &API{client: client, defaultSubreddit: defaultSubreddit, posted: newPostedLog()}
}

// Method reports the direct API.
func (a *API) Method() domain.Method { return domain.MethodAPI }

// Available reports whether credentials are configured.
func (a *API) Available() bool { return a.client.Configured() }

type targets []string

func (t targets) StepData() map[string]any { return map[string]any{"subreddits": []string(t)} }

// Publish posts to every target subreddit in order and stops at the first
// failure. Subreddits this session already reached on an earlier attempt
// are skipped. The result carries the last post created.
func (a *API) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	err := req.Steps.Do(ctx, "validate_credentials", "Authenticating with Reddit", func(ctx context.Context) error {
		_, err := a.client.Token(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	subs, err := adapter.ExecuteStep(ctx, req.Steps, "resolve_targets", "Resolving subreddits", func(context.Context) (targets, error) {
		return resolveTargets(req, a.defaultSubreddit)
	})
	if err != nil {
		return nil, err
	}

	var last *Post
	for i, sr := range subs {
		if p, done := a.posted.lookup(req.SessionID, sr); done {
			req.Steps.Info("Already posted to r/"+sr, p.StepData())
			last = p
			continue
		}
		req.Steps.Progress("submit", (i*100)/len(subs), "Submitting to r/"+sr)
		post, err := adapter.ExecuteStep(ctx, req.Steps, "submit", "Submitting to r/"+sr, func(ctx context.Context) (*Post, error) {
			return a.client.Submit(ctx, Submission{
				Subreddit: sr,
				Title:     req.Content.Title,
				Text:      req.Content.Body,
				URL:       req.Option("link_url", ""),
			})
		})
		if err != nil {
			return nil, err
		}
		a.posted.record(req.SessionID, sr, post)
		last = post
	}
	a.posted.forget(req.SessionID)

	err = req.Steps.Do(ctx, "verify", "Verifying submission", func(context.Context) error {
		if last == nil || !strings.Contains(last.URL, "/comments/") {
			return adapter.NewError(adapter.KindRejected, "verify", errors.New("post url does not point at a submission"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &adapter.Result{Success: true, PostID: last.Name, URL: last.URL}, nil
}

// StepData reports the created post.
func (p *Post) StepData() map[string]any {
	return map[string]any{"post_id": p.Name, "url": p.URL}
}

func resolveTargets(req *adapter.Request, fallback string) (targets, error) {
	raw := req.Content.Targets
	if len(raw) == 0 {
		if s := req.Option("subreddits", fallback); s != "" {
			raw = strings.Split(s, ",")
		}
	}
	var out targets
	seen := make(map[string]struct{})
	for _, s := range raw {
		s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "/"), "r/")
		if s == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(s)]; dup {
			continue
		}
		seen[strings.ToLower(s)] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, adapter.NewError(adapter.KindValidation, "resolve targets", errors.New("no subreddit configured"))
	}
	return out, nil
}

// Module builds the reddit adapter. engine and runner may be nil, which
// leaves the automation fallback unavailable.
func Module(cfg config.RedditConfig, client *Client, engine automation.Engine, runner automation.Runner) *adapter.Module {
	api := NewAPI(client, cfg.DefaultSubreddit)
	return &adapter.Module{
		Metadata: adapter.Metadata{
			ID:           "reddit",
			DisplayName:  "Reddit",
			Version:      "1.0.0",
			Category:     adapter.CategorySocial,
			Description:  "Posts the event to one or more subreddits.",
			RequiresAuth: true,
		},
		Schema: &adapter.Schema{
			Settings: []adapter.Field{
				{Name: "subreddits", Label: "Subreddits", Type: "text", Default: cfg.DefaultSubreddit},
				{Name: "link_url", Label: "Link instead of text", Type: "url"},
			},
			Editor: []adapter.Field{
				{Name: "title", Label: "Title", Type: "text", Required: true},
				{Name: "body", Label: "Body", Type: "markdown"},
			},
			Preview: []adapter.Field{{Name: "title", Label: "Title", Type: "text"}},
		},
		Capabilities: &adapter.Capabilities{Text: true, Image: true, Link: true, MaxBodyRune: maxBodyRunes},
		Service:      api,
		Automation:   automationStrategy(cfg, engine, runner, api.posted),
		Parser:       render.Parser{Platform: "reddit"},
		Validator:    render.Limits{MaxTitleRunes: maxTitleRunes, MaxBodyRunes: maxBodyRunes},
		Options:      map[string]string{"subreddits": cfg.DefaultSubreddit},
	}
}

func automationStrategy(cfg config.RedditConfig, engine automation.Engine, runner automation.Runner, posted *postedLog) adapter.Strategy {
	if engine == nil || runner == nil {
		return nil
	}
	return automation.NewScriptPublisher(engine, runner, submitScript, func(req *adapter.Request) (map[string]any, error) {
		subs, err := resolveTargets(req, cfg.DefaultSubreddit)
		if err != nil {
			return nil, err
		}
		subs = posted.remaining(req.SessionID, subs)
		if len(subs) == 0 {
			return nil, adapter.NewError(adapter.KindRejected, "reddit automation", errors.New("every subreddit was already posted to"))
		}
		if cfg.Username == "" || cfg.Password == "" {
			return nil, adapter.Unavailable("reddit automation", "reddit username and password are not set")
		}
		return map[string]any{
			"username":   cfg.Username,
			"password":   cfg.Password,
			"subreddits": []string(subs),
			"title":      req.Content.Title,
			"body":       req.Content.Body,
			"link":       req.Option("link_url", ""),
			"files":      render.FileNames(req.Files),
		}, nil
	})
}
