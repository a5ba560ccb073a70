// Package platforms wires the built-in platform adapters into registry
// factories.
package platforms

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/automation"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/platforms/email"
	"github.com/ashureev/eventcast/internal/platforms/reddit"
	"github.com/ashureev/eventcast/internal/platforms/workflow"
	"github.com/ashureev/eventcast/internal/registry"
)

// Deps are shared by every adapter.
type Deps struct {
	Files  email.FileReader
	Engine automation.Engine // nil disables browser automation
	Runner automation.Runner
	HTTP   *http.Client
	Logger *slog.Logger
}

// Factories returns the built-in adapters: reddit, email and one n8n
// workflow adapter per configured workflow.
func Factories(cfg *config.Config, deps Deps) map[string]registry.Factory {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 2 * time.Minute}
	}
	redditClient := reddit.NewClient(cfg.Reddit, deps.HTTP)

	factories := map[string]registry.Factory{
		"reddit": func(context.Context, registry.Spec) (*adapter.Module, error) {
			return reddit.Module(cfg.Reddit, redditClient, deps.Engine, deps.Runner), nil
		},
		"email": func(context.Context, registry.Spec) (*adapter.Module, error) {
			return email.Module(cfg.SMTP, email.Deps{
				Files:       deps.Files,
				MaxFileSize: cfg.MaxFileSize,
				Engine:      deps.Engine,
				Runner:      deps.Runner,
			}), nil
		},
	}
	for platform, url := range cfg.Workflows {
		if _, builtin := factories[platform]; builtin {
			if deps.Logger != nil {
				deps.Logger.Warn("workflow shadows a built-in adapter, skipping", "platform", platform)
			}
			continue
		}
		factories[platform] = func(_ context.Context, spec registry.Spec) (*adapter.Module, error) {
			return workflow.Module(spec.ID, url, deps.HTTP), nil
		}
	}
	return factories
}

// Templates returns factories for adapters declared only by manifests.
// A manifest with `factory: n8n` and a webhook_url option becomes a new
// workflow adapter.
func Templates(deps Deps) map[string]registry.Factory {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 2 * time.Minute}
	}
	return map[string]registry.Factory{
		"n8n": func(_ context.Context, spec registry.Spec) (*adapter.Module, error) {
			url := spec.Options[workflow.OptionWebhookURL]
			if url == "" {
				return nil, errors.New("n8n adapter needs a webhook_url option")
			}
			return workflow.Module(spec.ID, url, deps.HTTP), nil
		},
	}
}
