package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// wsMessage is a control message sent by WebSocket clients.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeWS streams the step events of a session over a WebSocket. Clients
// may pass ?after=<seq> to resume, and send {"type":"ping"} to get a pong.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	f, err := h.openFeed(r.Context(), sessionID)
	if err != nil {
		if orchestrator.KindOf(err) == orchestrator.KindNotFound {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.writeError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if f.final != nil {
		if err := writeWSJSON(ctx, ws, f.final); err != nil {
			h.logger.Debug("Failed to send completion event", "error", err, "session_id", sessionID)
		}
		return
	}

	afterSeq := lastEventID(r)
	if raw := r.URL.Query().Get("after"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}
	sub := f.emitter.Subscribe(afterSeq)
	defer sub.Close()

	pongs := make(chan struct{}, 1)
	go h.readLoop(ctx, cancel, ws, pongs, sessionID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pongs:
			if err := writeWSJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if err := writeWSJSON(ctx, ws, map[string]string{"type": "expired"}); err != nil {
					h.logger.Debug("Failed to send expiry notice", "error", err, "session_id", sessionID)
				}
				return
			}
			if err := writeWSJSON(ctx, ws, ev); err != nil {
				h.logger.Debug("WebSocket write failed", "error", err, "session_id", sessionID)
				return
			}
			if ev.Type == domain.SessionCompleted {
				return
			}
		}
	}
}

// readLoop handles client control messages until the connection closes.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, pongs chan<- struct{}, sessionID string) {
	defer cancel()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func writeWSJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
