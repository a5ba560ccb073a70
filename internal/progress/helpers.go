package progress

import (
	"github.com/ashureev/eventcast/internal/domain"
)

// StepStarted announces that a named step began.
func (e *Emitter) StepStarted(platform string, method domain.Method, step, message string) {
	e.Emit(domain.StepEvent{
		Type:     domain.StepStarted,
		Platform: platform,
		Method:   method,
		Step:     step,
		Message:  message,
	})
}

// StepProgress reports completion percentage of a running step, clamped to 0-100.
func (e *Emitter) StepProgress(platform string, method domain.Method, step string, percent int, message string) {
	percent = max(0, min(100, percent))
	e.Emit(domain.StepEvent{
		Type:     domain.StepProgress,
		Platform: platform,
		Method:   method,
		Step:     step,
		Message:  message,
		Progress: &percent,
	})
}

// StepCompleted reports a finished step with its duration and optional data.
func (e *Emitter) StepCompleted(platform string, method domain.Method, step string, durationMs int64, data map[string]any) {
	e.Emit(domain.StepEvent{
		Type:       domain.StepCompleted,
		Platform:   platform,
		Method:     method,
		Step:       step,
		DurationMs: durationMs,
		Data:       data,
	})
}

// StepFailed reports a failed step with its classified error.
func (e *Emitter) StepFailed(platform string, method domain.Method, step string, durationMs int64, err error, code string, retryable bool) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.Emit(domain.StepEvent{
		Type:       domain.StepFailed,
		Platform:   platform,
		Method:     method,
		Step:       step,
		DurationMs: durationMs,
		Error:      msg,
		ErrorCode:  code,
		Retryable:  &retryable,
	})
}

// Info emits a free-form narrative message.
func (e *Emitter) Info(platform, message string, data map[string]any) {
	e.narrate(domain.StepInfo, platform, message, data)
}

// Success emits a free-form success message.
func (e *Emitter) Success(platform, message string, data map[string]any) {
	e.narrate(domain.StepSuccess, platform, message, data)
}

// Error emits a free-form error message.
func (e *Emitter) Error(platform, message string, data map[string]any) {
	e.narrate(domain.StepError, platform, message, data)
}

func (e *Emitter) narrate(t domain.StepEventType, platform, message string, data map[string]any) {
	e.Emit(domain.StepEvent{
		Type:     t,
		Platform: platform,
		Message:  message,
		Data:     data,
	})
}

// SessionComplete emits the terminal event of the feed, carrying the
// final session summary.
func (e *Emitter) SessionComplete(s *domain.PublishSession) {
	if s == nil {
		return
	}
	e.Emit(CompletionEvent(s))
}

// CompletionEvent builds the terminal event for a finished session. It is
// also used to answer late listeners whose emitter has already expired.
func CompletionEvent(s *domain.PublishSession) domain.StepEvent {
	results := make([]map[string]any, 0, len(s.Results))
	for _, r := range s.Results {
		entry := map[string]any{
			"platform": r.Platform,
			"success":  r.Success,
			"method":   r.Method,
		}
		if r.URL != "" {
			entry["url"] = r.URL
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		results = append(results, entry)
	}
	return domain.StepEvent{
		Type:       domain.SessionCompleted,
		SessionID:  s.ID,
		Message:    "publish session complete",
		DurationMs: s.TotalDurationMs,
		Data: map[string]any{
			"overall_success": s.OverallSuccess,
			"results":         results,
		},
	}
}
