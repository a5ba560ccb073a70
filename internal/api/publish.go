package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

type publishRequest struct {
	EventID   string   `json:"event_id"`
	Platforms []string `json:"platforms"`
}

// Publish starts a publish session and answers as soon as it is launched.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	caller := identity.FromContext(r.Context())
	resp, err := h.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		EventID:   strings.TrimSpace(req.EventID),
		Platforms: req.Platforms,
		Identity:  caller,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("publish started", "session_id", resp.SessionID, "event_id", resp.EventID, "platforms", resp.Platforms, "caller", caller.Name)
	JSON(w, http.StatusAccepted, resp)
}

// GetSession returns one session of an event.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.GetSession(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// ListSessions returns the sessions of an event, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.Sessions(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.PublishSession{}
	}
	JSON(w, http.StatusOK, sessions)
}

// Stats returns aggregate publish statistics of an event.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Stats(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// History returns the publish history log of an event.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.orch.History(r.Context(), chi.URLParam(r, "eventID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.HistoryRecord{}
	}
	JSON(w, http.StatusOK, records)
}

// GetEvent returns a persisted event record.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := h.orch.ResolveEventID(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		h.logger.Error("Failed to load event", "event_id", eventID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	if event == nil {
		Error(w, http.StatusNotFound, "event not found")
		return
	}
	JSON(w, http.StatusOK, event)
}

// PutEvent stores the parsed event record handed over by the content pipeline.
func (h *Handler) PutEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if eventID == domain.CurrentEventID {
		Error(w, http.StatusBadRequest, `"current" is reserved`)
		return
	}

	var event domain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		Error(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if event.ID != "" && event.ID != eventID {
		Error(w, http.StatusBadRequest, "event id does not match path")
		return
	}
	event.ID = eventID

	existing, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		h.logger.Error("Failed to load event", "event_id", eventID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	if existing != nil {
		event.CreatedAt = existing.CreatedAt
	}

	if err := h.events.SaveEvent(r.Context(), &event); err != nil {
		h.logger.Error("Failed to save event", "event_id", eventID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save event")
		return
	}

	if r.URL.Query().Get("current") == "true" {
		if err := h.events.SetCurrentEvent(r.Context(), eventID); err != nil {
			h.logger.Error("Failed to set current event", "event_id", eventID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to set current event")
			return
		}
	}

	h.logger.Info("Event stored", "event_id", eventID, "files", len(event.Files), "platforms", event.SelectedPlatforms())
	JSON(w, http.StatusOK, event)
}

// SetCurrent points the "current" alias at an existing event.
func (h *Handler) SetCurrent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		h.logger.Error("Failed to load event", "event_id", eventID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	if event == nil {
		Error(w, http.StatusNotFound, "event not found")
		return
	}
	if err := h.events.SetCurrentEvent(r.Context(), eventID); err != nil {
		h.logger.Error("Failed to set current event", "event_id", eventID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to set current event")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"current_event_id": eventID})
}
