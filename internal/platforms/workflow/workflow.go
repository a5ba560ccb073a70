// Package workflow delegates publishing to n8n workflows. Each workflow
// is a webhook that receives the rendered content and reports the post it
// created.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/platforms/render"
)

// OptionWebhookURL names the manifest option carrying the webhook URL.
const OptionWebhookURL = "webhook_url"

// Payload is the JSON body posted to the workflow webhook.
type Payload struct {
	SessionID string                 `json:"session_id"`
	AttemptID string                 `json:"attempt_id"`
	Platform  string                 `json:"platform"`
	Content   domain.PlatformContent `json:"content"`
	Meta      domain.EventMeta       `json:"meta"`
	Hashtags  []string               `json:"hashtags"`
	Files     []domain.FileRef       `json:"files"`
	Options   map[string]string      `json:"options,omitempty"`
}

// Webhook posts to an n8n webhook. Retries are left to the selector:
// 5xx and 429 responses are retryable, other 4xx are not.
type Webhook struct {
	url  string
	http *http.Client
}

// NewWebhook creates the workflow strategy.
func NewWebhook(url string, hc *http.Client) *Webhook {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Webhook{url: url, http: hc}
}

// Method reports n8n delegation.
func (w *Webhook) Method() domain.Method { return domain.MethodN8N }

// Available reports whether a webhook URL is set.
func (w *Webhook) Available() bool { return w.url != "" }

type callResult struct{ adapter.Result }

func (c *callResult) StepData() map[string]any {
	return map[string]any{"post_id": c.PostID, "url": c.URL}
}

// Publish implements adapter.Strategy.
func (w *Webhook) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	body, err := adapter.ExecuteStep(ctx, req.Steps, "render", "Building workflow payload", func(context.Context) ([]byte, error) {
		return json.Marshal(Payload{
			SessionID: req.SessionID,
			AttemptID: req.AttemptID,
			Platform:  req.Platform,
			Content:   req.Content,
			Meta:      req.Meta,
			Hashtags:  req.Hashtags,
			Files:     req.Files,
			Options:   publicOptions(req.Options),
		})
	})
	if err != nil {
		return nil, err
	}

	res, err := adapter.ExecuteStep(ctx, req.Steps, "submit", "Triggering workflow", func(ctx context.Context) (*callResult, error) {
		return w.call(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return &res.Result, nil
}

func (w *Webhook) call(ctx context.Context, body []byte) (*callResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, adapter.StatusError("n8n webhook", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	// An empty 2xx body means the workflow accepted the job without details.
	out := &callResult{Result: adapter.Result{Success: true}}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	var decoded struct {
		Success *bool  `json:"success"`
		PostID  string `json:"post_id"`
		URL     string `json:"url"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}
	if decoded.Success != nil && !*decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = "workflow reported failure"
		}
		return nil, adapter.NewError(adapter.KindRejected, "n8n webhook", errors.New(msg))
	}
	out.PostID, out.URL = decoded.PostID, decoded.URL
	return out, nil
}

// publicOptions drops the webhook URL from the options forwarded to n8n.
func publicOptions(opts map[string]string) map[string]string {
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		if k != OptionWebhookURL {
			out[k] = v
		}
	}
	return out
}

// Module builds a workflow adapter for platform id.
func Module(id, url string, hc *http.Client) *adapter.Module {
	return &adapter.Module{
		Metadata: adapter.Metadata{
			ID:          id,
			DisplayName: displayName(id),
			Version:     "1.0.0",
			Category:    adapter.CategoryWorkflow,
			Description: "Publishes through an n8n workflow.",
		},
		Schema: &adapter.Schema{
			Editor: []adapter.Field{
				{Name: "title", Label: "Title", Type: "text", Required: true},
				{Name: "body", Label: "Text", Type: "textarea"},
			},
		},
		Capabilities: &adapter.Capabilities{Text: true, Image: true, Video: true, Link: true, Hashtags: true},
		Service:      NewWebhook(url, hc),
		Parser:       render.Parser{Platform: id},
		Validator:    render.Limits{},
		Options:      map[string]string{OptionWebhookURL: url},
	}
}

func displayName(id string) string {
	if id == "" {
		return id
	}
	return strings.ToUpper(id[:1]) + id[1:]
}
