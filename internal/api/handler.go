// Package api provides HTTP handlers for the publishing API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/health"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/ashureev/eventcast/internal/registry"
	"github.com/ashureev/eventcast/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 50

// Deps are the collaborators of a Handler.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Events       store.EventStore
	Bus          *progress.Bus
	Health       *health.Checker
	SSE          config.SSEConfig
	// AllowedOrigin restricts WebSocket origins; "" or "*" allows any.
	AllowedOrigin string
	Logger        *slog.Logger
}

// Handler serves the publishing API.
type Handler struct {
	orch          *orchestrator.Orchestrator
	modules       *registry.Registry
	events        store.EventStore
	bus           *progress.Bus
	health        *health.Checker
	sse           config.SSEConfig
	allowedOrigin string
	logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SSE.KeepaliveInterval <= 0 {
		deps.SSE.KeepaliveInterval = 10 * time.Second
	}
	if deps.SSE.RetryDelay <= 0 {
		deps.SSE.RetryDelay = 5 * time.Second
	}
	return &Handler{
		orch:          deps.Orchestrator,
		modules:       deps.Registry,
		events:        deps.Events,
		bus:           deps.Bus,
		health:        deps.Health,
		sse:           deps.SSE,
		allowedOrigin: deps.AllowedOrigin,
		logger:        deps.Logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/publish", h.Publish)

		r.Route("/events/{eventID}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Put("/", h.PutEvent)
			r.Post("/current", h.SetCurrent)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{sessionID}", h.GetSession)
			r.Get("/stats", h.Stats)
			r.Get("/history", h.History)
		})

		r.Get("/sessions/{sessionID}/stream", h.Stream)

		r.Get("/adapters", h.ListAdapters)
		r.Post("/adapters/reload", h.ReloadAdapters)
	})
	r.Get("/ws/sessions/{sessionID}", h.ServeWS)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type errorBody struct {
	Error      string              `json:"error"`
	Kind       string              `json:"kind"`
	Platforms  []string            `json:"platforms,omitempty"`
	Violations []adapter.Violation `json:"violations,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
}

// writeError maps orchestrator errors onto their status and body. Anything
// else is an internal error whose detail is only logged.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := oe.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "kind", oe.Kind, "error", err)
	}
	JSON(w, status, errorBody{
		Error:      oe.Error(),
		Kind:       string(oe.Kind),
		Platforms:  oe.Platforms,
		Violations: oe.Violations,
		SessionID:  oe.SessionID,
	})
}
