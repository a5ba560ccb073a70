// Package client is a Go client for the publishing API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/orchestrator"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int                 `json:"-"`
	Message    string              `json:"error"`
	Kind       string              `json:"kind,omitempty"`
	Platforms  []string            `json:"platforms,omitempty"`
	Violations []adapter.Violation `json:"violations,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// StrategyInfo describes one strategy of an adapter.
type StrategyInfo struct {
	Method    domain.Method `json:"method"`
	Available bool          `json:"available"`
}

// AdapterInfo is one entry of the adapter listing.
type AdapterInfo struct {
	adapter.Metadata
	Capabilities *adapter.Capabilities `json:"capabilities"`
	Service      StrategyInfo          `json:"service"`
	Automation   *StrategyInfo         `json:"automation,omitempty"`
}

// Client talks to one server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. A nil hc uses a client without a global timeout,
// since event streams are long-lived.
func New(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: hc}
}

// Publish starts a publish session for eventID ("" for the current event).
func (c *Client) Publish(ctx context.Context, eventID string, platforms []string) (*orchestrator.SubmitResponse, error) {
	body := map[string]interface{}{"event_id": eventID}
	if len(platforms) > 0 {
		body["platforms"] = platforms
	}
	var out orchestrator.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/publish", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session fetches one session.
func (c *Client) Session(ctx context.Context, eventID, sessionID string) (*domain.PublishSession, error) {
	var out domain.PublishSession
	if err := c.do(ctx, http.MethodGet, eventPath(eventID, "sessions", sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists the sessions of an event, newest first.
func (c *Client) Sessions(ctx context.Context, eventID string) ([]*domain.PublishSession, error) {
	var out []*domain.PublishSession
	if err := c.do(ctx, http.MethodGet, eventPath(eventID, "sessions"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches aggregate statistics of an event.
func (c *Client) Stats(ctx context.Context, eventID string) (*domain.PublishStats, error) {
	var out domain.PublishStats
	if err := c.do(ctx, http.MethodGet, eventPath(eventID, "stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches up to limit history records of an event.
func (c *Client) History(ctx context.Context, eventID string, limit int) ([]*domain.HistoryRecord, error) {
	path := eventPath(eventID, "history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*domain.HistoryRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Adapters lists registered adapters, optionally filtered by category.
func (c *Client) Adapters(ctx context.Context, category string) ([]AdapterInfo, error) {
	path := "/api/adapters"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var out []AdapterInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload asks the server to rediscover adapters and returns how many are registered.
func (c *Client) Reload(ctx context.Context) (int, error) {
	var out struct {
		Adapters int `json:"adapters"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/adapters/reload", nil, &out); err != nil {
		return 0, err
	}
	return out.Adapters, nil
}

func eventPath(eventID string, parts ...string) string {
	if eventID == "" {
		eventID = domain.CurrentEventID
	}
	segs := append([]string{"/api/events", url.PathEscape(eventID)}, parts...)
	for i := 2; i < len(segs); i++ {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(identity.APIKeyHeader, c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// defaultRetry is used between stream reconnects until the server sends
// its own retry hint.
const defaultRetry = 2 * time.Second
