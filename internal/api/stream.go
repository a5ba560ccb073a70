package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/go-chi/chi/v5"
)

// feed is what a listener attaches to: either the live emitter of a session
// or, once that has expired, the summary of the finished session.
type feed struct {
	emitter *progress.Emitter
	final   *domain.StepEvent
}

// openFeed locates the event feed of sessionID. A finished session whose
// emitter was already reaped yields only its completion event.
func (h *Handler) openFeed(ctx context.Context, sessionID string) (*feed, error) {
	if em, ok := h.bus.Get(sessionID); ok {
		return &feed{emitter: em}, nil
	}
	s, err := h.orch.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsComplete() {
		ev := progress.CompletionEvent(s)
		return &feed{final: &ev}, nil
	}
	// In flight but not on the bus, e.g. after a restart.
	return &feed{emitter: h.bus.GetOrCreate(sessionID)}, nil
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// Stream serves the step events of a session as Server-Sent Events. The
// stream ends after session_complete or when the session feed expires.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	f, err := h.openFeed(r.Context(), sessionID)
	if err != nil {
		if orchestrator.KindOf(err) == orchestrator.KindNotFound {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.writeError(w, r, err)
		return
	}

	afterSeq := lastEventID(r)
	if afterSeq > 0 {
		h.logger.Info("SSE client reconnecting with Last-Event-ID", "session_id", sessionID, "last_event_id", afterSeq)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.sse.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	if f.final != nil {
		if err := writeEvent(w, *f.final); err != nil {
			h.logger.Debug("SSE write failed", "error", err, "session_id", sessionID)
		}
		flusher.Flush()
		return
	}

	sub := f.emitter.Subscribe(afterSeq)
	defer sub.Close()
	h.logger.Info("Session stream connected", "session_id", sessionID, "listeners", f.emitter.ListenerCount())
	defer h.logger.Info("Session stream closed", "session_id", sessionID)

	keepalive := time.NewTicker(h.sse.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				// Feed expired before the session completed.
				if err := writeSSE(w, "expired", `{"status":"expired"}`); err == nil {
					flusher.Flush()
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("SSE write failed", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev domain.StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode step event: %w", err)
	}
	if ev.Seq == 0 {
		return writeSSE(w, string(ev.Type), string(data))
	}
	return writeSSEWithID(w, ev.Seq, string(ev.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
