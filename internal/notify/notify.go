// Package notify announces completed publish sessions to other services.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/shared"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "eventcast:session_completed"

const (
	defaultTimeout   = 5 * time.Second
	defaultRetries   = 3
	defaultBaseDelay = 500 * time.Millisecond
)

// SessionCompletedEvent is the JSON message published for each session.
type SessionCompletedEvent struct {
	EventType      string    `json:"event_type"`
	SessionID      string    `json:"session_id"`
	EventID        string    `json:"event_id"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	OverallSuccess bool      `json:"overall_success"`
	Succeeded      []string  `json:"succeeded"`
	Failed         []string  `json:"failed"`
	DurationMs     int64     `json:"duration_ms"`
	CompletedAt    time.Time `json:"completed_at"`
}

// NewSessionCompletedEvent summarizes s.
func NewSessionCompletedEvent(s *domain.PublishSession) *SessionCompletedEvent {
	ev := &SessionCompletedEvent{
		EventType:      "session_completed",
		SessionID:      s.ID,
		EventID:        s.EventID,
		RequestedBy:    s.RequestedBy,
		OverallSuccess: s.OverallSuccess,
		Succeeded:      []string{},
		Failed:         []string{},
		DurationMs:     s.TotalDurationMs,
		CompletedAt:    time.Now().UTC(),
	}
	if s.CompletedAt != nil {
		ev.CompletedAt = *s.CompletedAt
	}
	for _, r := range s.Results {
		if r.Success {
			ev.Succeeded = append(ev.Succeeded, r.Platform)
		} else {
			ev.Failed = append(ev.Failed, r.Platform)
		}
	}
	return ev
}

// Config configures the Redis notifier.
type Config struct {
	URL       string // redis://[:password@]host:port[/db]
	Channel   string
	Timeout   time.Duration // per publish
	Retries   int
	BaseDelay time.Duration
}

// Redis publishes session completions via Redis PUBLISH.
type Redis struct {
	cfg    Config
	client *goredis.Client
}

// NewRedis creates a Redis notifier.
func NewRedis(cfg Config) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &Redis{cfg: cfg, client: goredis.NewClient(opts)}, nil
}

// SessionCompleted publishes a summary of s, retrying with backoff.
func (r *Redis) SessionCompleted(ctx context.Context, s *domain.PublishSession) error {
	body, err := json.Marshal(NewSessionCompletedEvent(s))
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	attempts := 1 + r.cfg.Retries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := shared.Sleep(ctx, shared.Backoff(r.cfg.BaseDelay, i)); err != nil {
				return fmt.Errorf("redis: context canceled during backoff: %w", err)
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		lastErr = r.client.Publish(publishCtx, r.cfg.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop discards notifications.
type Noop struct{}

// SessionCompleted implements the notifier interface.
func (Noop) SessionCompleted(context.Context, *domain.PublishSession) error { return nil }
