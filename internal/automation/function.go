package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
)

// ScriptOutcome is what an automation script returns.
type ScriptOutcome struct {
	Success bool   `json:"success"`
	PostID  string `json:"post_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FunctionClient runs scripts through the browserless /function endpoint.
type FunctionClient struct {
	http  *http.Client
	token string
}

// NewFunctionClient creates a client; timeout bounds one script run.
func NewFunctionClient(token string, timeout time.Duration) *FunctionClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &FunctionClient{http: &http.Client{Timeout: timeout}, token: token}
}

type functionRequest struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context"`
}

// Run executes code in the browser at endpoint with the given context.
func (c *FunctionClient) Run(ctx context.Context, endpoint, code string, scriptCtx map[string]any) (*ScriptOutcome, error) {
	body, err := json.Marshal(functionRequest{Code: code, Context: scriptCtx})
	if err != nil {
		return nil, fmt.Errorf("marshal script request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, withToken(endpoint+"/function", c.token), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build script request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read script response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, adapter.StatusError("run script", resp.StatusCode, fmt.Errorf("%s", bytes.TrimSpace(raw)))
	}

	var out ScriptOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode script response: %w", err)
	}
	return &out, nil
}
