// Package strategy picks and retries the publishing strategies of a platform.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/shared"
)

// Source looks up the strategies registered for a platform.
type Source interface {
	APIStrategy(platform string) adapter.Strategy
	AutomationStrategy(platform string) adapter.Strategy
}

// Config controls modes, attempts and backoff.
type Config struct {
	Mode                  string
	APIMaxAttempts        int
	APIBaseDelay          time.Duration
	AutomationMaxAttempts int
	AutomationBaseDelay   time.Duration
}

// ConfigFrom maps application config onto selector config.
func ConfigFrom(c config.StrategyConfig) Config {
	return Config{
		Mode:                  c.Mode,
		APIMaxAttempts:        c.APIMaxAttempts,
		APIBaseDelay:          c.APIRetryBaseDelay,
		AutomationMaxAttempts: c.AutomationMaxAttempts,
		AutomationBaseDelay:   c.AutomationRetryBaseDelay,
	}
}

type stage struct {
	name     string
	lookup   func(platform string) adapter.Strategy
	attempts int
	base     time.Duration
}

// Selector runs the hybrid fallback policy for one platform at a time.
type Selector struct {
	source Source
	cfg    Config
	logger *slog.Logger

	// sleep is swapped in tests to skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a selector. Mode defaults to hybrid.
func New(source Source, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeHybrid
	}
	cfg.APIMaxAttempts = max(1, cfg.APIMaxAttempts)
	cfg.AutomationMaxAttempts = max(1, cfg.AutomationMaxAttempts)
	return &Selector{source: source, cfg: cfg, logger: logger, sleep: shared.Sleep}
}

func (s *Selector) stages() []stage {
	api := stage{name: "api", lookup: s.source.APIStrategy, attempts: s.cfg.APIMaxAttempts, base: s.cfg.APIBaseDelay}
	auto := stage{name: "automation", lookup: s.source.AutomationStrategy, attempts: s.cfg.AutomationMaxAttempts, base: s.cfg.AutomationBaseDelay}
	switch s.cfg.Mode {
	case config.ModeAPIOnly:
		return []stage{api}
	case config.ModeAutomationOnly:
		return []stage{auto}
	default:
		return []stage{api, auto}
	}
}

// Post publishes req to platform and always returns a result. Failures of
// every kind, including ctx cancellation, end up in the result's Error.
func (s *Selector) Post(ctx context.Context, platform string, req *adapter.Request) *domain.PublishResult {
	result := &domain.PublishResult{Platform: platform, StartedAt: time.Now().UTC()}
	finish := func(err error) *domain.PublishResult {
		result.FinishedAt = time.Now().UTC()
		if err != nil {
			code, _ := adapter.Classify(err)
			result.Error = err.Error()
			result.ErrorCode = code
		}
		return result
	}

	var lastErr error
	for _, st := range s.stages() {
		strat := st.lookup(platform)
		if !adapter.IsAvailable(strat) {
			// A failure from an earlier stage outranks this one.
			if lastErr == nil {
				lastErr = adapter.Unavailable(platform, fmt.Sprintf("no %s strategy available", st.name))
			}
			s.logger.Debug("strategy unavailable", "platform", platform, "strategy", st.name)
			req.Steps.Info(fmt.Sprintf("%s strategy unavailable", st.name), nil)
			continue
		}
		result.Method = strat.Method()

		for attempt := 1; attempt <= st.attempts; attempt++ {
			result.Attempts++
			res, err := s.attempt(ctx, strat, req)
			if err == nil {
				result.Success = true
				result.PostID = res.PostID
				result.URL = res.URL
				req.Steps.WithMethod(strat.Method()).Success("published", map[string]any{"url": res.URL, "attempts": result.Attempts})
				return finish(nil)
			}
			lastErr = err

			_, retryable := adapter.Classify(err)
			s.logger.Warn("publish attempt failed",
				"platform", platform,
				"method", strat.Method(),
				"attempt", attempt,
				"retryable", retryable,
				"error", err)
			if !retryable || attempt == st.attempts {
				break
			}

			delay := shared.Backoff(st.base, attempt)
			req.Steps.WithMethod(strat.Method()).Info(
				fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay),
				map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
			if err := s.sleep(ctx, delay); err != nil {
				return finish(fmt.Errorf("publish cancelled: %w", lastErr))
			}
		}

		if ctx.Err() != nil {
			break
		}
		req.Steps.WithMethod(strat.Method()).Error(fmt.Sprintf("%s strategy exhausted", st.name), nil)
	}

	if lastErr == nil {
		lastErr = adapter.Unavailable(platform, "no publishing strategy available")
	}
	return finish(lastErr)
}

// attempt runs one publish call and its cleanup. Panics inside the
// strategy become errors so cleanup still runs.
func (s *Selector) attempt(ctx context.Context, strat adapter.Strategy, base *adapter.Request) (res *adapter.Result, err error) {
	req := base.Clone()
	req.AttemptID = uuid.NewString()
	req.Steps = base.Steps.WithMethod(strat.Method())

	if c, ok := strat.(adapter.Cleaner); ok {
		defer func() {
			// Cleanup must run even if the publish ctx is already done.
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if cerr := c.Cleanup(cleanupCtx, req); cerr != nil {
				s.logger.Warn("strategy cleanup failed",
					"platform", req.Platform,
					"method", strat.Method(),
					"attempt_id", req.AttemptID,
					"error", cerr)
			}
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err = adapter.NewError(adapter.KindUnknown, "publish", fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = strat.Publish(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, adapter.NewError(adapter.KindUnknown, "publish", errors.New("strategy returned no result"))
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "publish rejected"
		}
		return nil, adapter.NewError(adapter.KindRejected, "publish", errors.New(msg))
	}
	return res, nil
}
