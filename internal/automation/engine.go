// Package automation runs browser automation scripts for platforms that
// have no usable API. Every publish attempt gets its own browser, which is
// released when the attempt is cleaned up.
package automation

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Browser is a running browser instance reserved for one attempt.
type Browser struct {
	ID       string // container id, empty for static endpoints
	Name     string
	Endpoint string // base URL of the browserless HTTP API
}

// Engine hands out browsers.
type Engine interface {
	Acquire(ctx context.Context, attemptID string) (*Browser, error)
	Release(ctx context.Context, b *Browser) error
}

// StaticEngine serves every attempt from one externally managed browser.
type StaticEngine struct {
	Endpoint string
}

// Acquire returns the static endpoint.
func (e *StaticEngine) Acquire(_ context.Context, attemptID string) (*Browser, error) {
	return &Browser{Name: attemptID, Endpoint: e.Endpoint}, nil
}

// Release is a no-op; the browser outlives the attempt.
func (e *StaticEngine) Release(context.Context, *Browser) error {
	return nil
}

// waitReady polls the browser until it answers or ctx expires.
func waitReady(ctx context.Context, hc *http.Client, endpoint, token string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, withToken(endpoint+"/json/version", token), nil)
		if err != nil {
			return fmt.Errorf("build readiness request: %w", err)
		}
		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("browser at %s not ready: %w (last error: %v)", endpoint, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func withToken(u, token string) string {
	if token == "" {
		return u
	}
	return u + "?token=" + token
}
