package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

type strategyInfo struct {
	Method    domain.Method `json:"method"`
	Available bool          `json:"available"`
}

type adapterInfo struct {
	adapter.Metadata
	Capabilities *adapter.Capabilities `json:"capabilities"`
	Schema       *adapter.Schema       `json:"schema"`
	Service      strategyInfo          `json:"service"`
	Automation   *strategyInfo         `json:"automation,omitempty"`
}

func describe(m *adapter.Module) adapterInfo {
	info := adapterInfo{
		Metadata:     m.Metadata,
		Capabilities: m.Capabilities,
		Schema:       m.Schema,
		Service:      strategyInfo{Method: m.Service.Method(), Available: adapter.IsAvailable(m.Service)},
	}
	if m.Automation != nil {
		info.Automation = &strategyInfo{Method: m.Automation.Method(), Available: adapter.IsAvailable(m.Automation)}
	}
	return info
}

// ListAdapters returns the registered adapters, optionally filtered by category.
func (h *Handler) ListAdapters(w http.ResponseWriter, r *http.Request) {
	var modules []*adapter.Module
	if category := r.URL.Query().Get("category"); category != "" {
		modules = h.modules.ByCategory(adapter.Category(category))
	} else {
		modules = h.modules.All()
	}

	out := make([]adapterInfo, 0, len(modules))
	for _, m := range modules {
		out = append(out, describe(m))
	}
	JSON(w, http.StatusOK, out)
}

// ReloadAdapters rebuilds the registry from its factories and manifests.
func (h *Handler) ReloadAdapters(w http.ResponseWriter, r *http.Request) {
	if err := h.modules.Reload(r.Context()); err != nil {
		h.logger.Error("Adapter reload failed", "error", err)
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.logger.Info("Adapters reloaded", "count", h.modules.Len())
	JSON(w, http.StatusOK, map[string]int{"adapters": h.modules.Len()})
}

// Health runs the dependency checks and reports the result.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := h.health.Check(ctx)
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]interface{}{
		"status":     report.Status,
		"checks":     report.Components,
		"adapters":   h.modules.Len(),
		"checked_at": report.CheckedAt,
	})
}

// RegisterHealth registers the health check route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
