package domain

import "time"

// StepEventType discriminates events on the progress bus.
type StepEventType string

const (
	StepStarted   StepEventType = "started"
	StepProgress  StepEventType = "progress"
	StepCompleted StepEventType = "completed"
	StepFailed    StepEventType = "failed"

	// Narrative messages outside the formal step contract.
	StepInfo    StepEventType = "info"
	StepSuccess StepEventType = "success"
	StepError   StepEventType = "error"

	// SessionCompleted is the terminal event of a session feed.
	SessionCompleted StepEventType = "session_complete"
)

// IsTerminal returns true for the event that ends a session feed.
func (t StepEventType) IsTerminal() bool {
	return t == SessionCompleted
}

// StepEvent is an immutable progress notification for one session.
type StepEvent struct {
	Seq        int64          `json:"seq"`
	Type       StepEventType  `json:"type"`
	SessionID  string         `json:"session_id"`
	Platform   string         `json:"platform,omitempty"`
	Method     Method         `json:"method,omitempty"`
	Step       string         `json:"step,omitempty"`
	Message    string         `json:"message,omitempty"`
	Progress   *int           `json:"progress,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Retryable  *bool          `json:"retryable,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
