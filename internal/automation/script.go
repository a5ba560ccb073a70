package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
)

// ContextBuilder turns a publish request into the script's context object.
type ContextBuilder func(req *adapter.Request) (map[string]any, error)

// Runner executes a script in a browser.
type Runner interface {
	Run(ctx context.Context, endpoint, code string, scriptCtx map[string]any) (*ScriptOutcome, error)
}

// ScriptPublisher is a Strategy that publishes by driving a browser.
// Each attempt acquires its own browser; Cleanup releases it.
type ScriptPublisher struct {
	engine  Engine
	runner  Runner
	script  string
	context ContextBuilder

	mu       sync.Mutex
	browsers map[string]*Browser // by attempt id
}

// NewScriptPublisher creates a browser automation strategy. A nil engine
// makes the strategy unavailable.
func NewScriptPublisher(engine Engine, runner Runner, script string, build ContextBuilder) *ScriptPublisher {
	return &ScriptPublisher{
		engine:   engine,
		runner:   runner,
		script:   script,
		context:  build,
		browsers: make(map[string]*Browser),
	}
}

// Method reports browser automation.
func (p *ScriptPublisher) Method() domain.Method { return domain.MethodPlaywright }

// Available reports whether a browser engine is configured.
func (p *ScriptPublisher) Available() bool { return p.engine != nil && p.runner != nil }

// Publish launches a browser, runs the script and reports its outcome.
func (p *ScriptPublisher) Publish(ctx context.Context, req *adapter.Request) (*adapter.Result, error) {
	if req.AttemptID == "" {
		return nil, adapter.NewError(adapter.KindValidation, "automation", errors.New("attempt id is required"))
	}

	scriptCtx, err := adapter.ExecuteStep(ctx, req.Steps, "prepare_script", "Preparing automation script", func(context.Context) (map[string]any, error) {
		return p.context(req)
	})
	if err != nil {
		return nil, err
	}

	browser, err := adapter.ExecuteStep(ctx, req.Steps, "launch_browser", "Launching browser", func(ctx context.Context) (*Browser, error) {
		return p.engine.Acquire(ctx, req.AttemptID)
	})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.browsers[req.AttemptID] = browser
	p.mu.Unlock()

	outcome, err := adapter.ExecuteStep(ctx, req.Steps, "run_script", "Running automation script", func(ctx context.Context) (*ScriptOutcome, error) {
		out, err := p.runner.Run(ctx, browser.Endpoint, p.script, scriptCtx)
		if err != nil {
			return nil, err
		}
		if !out.Success {
			msg := out.Error
			if msg == "" {
				msg = "script reported failure"
			}
			return nil, adapter.NewError(adapter.KindRejected, "automation", errors.New(msg))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &adapter.Result{Success: true, PostID: outcome.PostID, URL: outcome.URL}, nil
}

// StepData reports the published location on the completed event.
func (o *ScriptOutcome) StepData() map[string]any {
	return map[string]any{"post_id": o.PostID, "url": o.URL}
}

// Cleanup releases the attempt's browser, if any.
func (p *ScriptPublisher) Cleanup(ctx context.Context, req *adapter.Request) error {
	p.mu.Lock()
	browser, ok := p.browsers[req.AttemptID]
	delete(p.browsers, req.AttemptID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	req.Steps.Info("Releasing browser", nil)
	if err := p.engine.Release(ctx, browser); err != nil {
		return fmt.Errorf("release browser for attempt %s: %w", req.AttemptID, err)
	}
	return nil
}

// Active returns the number of browsers currently held.
func (p *ScriptPublisher) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}
