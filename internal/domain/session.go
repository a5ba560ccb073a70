package domain

import (
	"time"
)

// Method identifies the strategy that produced a publish result.
type Method string

const (
	MethodAPI        Method = "api"
	MethodPlaywright Method = "playwright"
	MethodN8N        Method = "n8n"
)

// SessionStatus is the lifecycle state of a publish session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionComplete   SessionStatus = "complete"
)

// PublishResult is the outcome of publishing to one platform.
type PublishResult struct {
	Platform   string    `json:"platform" msgpack:"platform"`
	Success    bool      `json:"success" msgpack:"success"`
	PostID     string    `json:"post_id,omitempty" msgpack:"post_id,omitempty"`
	URL        string    `json:"url,omitempty" msgpack:"url,omitempty"`
	Error      string    `json:"error,omitempty" msgpack:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
	Method     Method    `json:"method,omitempty" msgpack:"method,omitempty"`
	Attempts   int       `json:"attempts" msgpack:"attempts"`
	StartedAt  time.Time `json:"started_at" msgpack:"started_at"`
	FinishedAt time.Time `json:"finished_at" msgpack:"finished_at"`
}

// PublishSession tracks one submit request across its target platforms.
type PublishSession struct {
	ID              string          `json:"id"`
	EventID         string          `json:"event_id"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	Status          SessionStatus   `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Platforms       []string        `json:"platforms"`
	Results         []PublishResult `json:"results"`
	OverallSuccess  bool            `json:"overall_success"`
	TotalDurationMs int64           `json:"total_duration_ms"`
}

// IsComplete returns true once every platform has reported.
func (s *PublishSession) IsComplete() bool {
	return s.Status == SessionComplete
}

// Expects reports whether platform is one of the session's targets.
func (s *PublishSession) Expects(platform string) bool {
	for _, p := range s.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// HasResult reports whether platform already reported.
func (s *PublishSession) HasResult(platform string) bool {
	for _, r := range s.Results {
		if r.Platform == platform {
			return true
		}
	}
	return false
}

// Pending returns the platforms that have not reported yet.
func (s *PublishSession) Pending() []string {
	var out []string
	for _, p := range s.Platforms {
		if !s.HasResult(p) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand out to callers.
func (s *PublishSession) Clone() *PublishSession {
	c := *s
	c.Platforms = append([]string(nil), s.Platforms...)
	c.Results = append([]PublishResult(nil), s.Results...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// HistoryRecord summarizes a finished session for the publish history log.
type HistoryRecord struct {
	EventID        string    `json:"event_id"`
	SessionID      string    `json:"session_id"`
	Platforms      []string  `json:"platforms"`
	Succeeded      []string  `json:"succeeded"`
	Failed         []string  `json:"failed"`
	OverallSuccess bool      `json:"overall_success"`
	Summary        string    `json:"summary"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PublishStats aggregates publish sessions for one event.
type PublishStats struct {
	TotalSessions       int   `json:"total_sessions"`
	SuccessfulSessions  int   `json:"successful_sessions"`
	TotalPlatforms      int   `json:"total_platforms"`
	SuccessfulPlatforms int   `json:"successful_platforms"`
	AverageDurationMs   int64 `json:"average_duration_ms"`
}
