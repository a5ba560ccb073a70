package adapter

import (
	"context"
	"time"

	"github.com/ashureev/eventcast/internal/domain"
	"github.com/ashureev/eventcast/internal/progress"
)

// StepRunner reports the steps of one platform's publish flow onto the
// session's progress feed. A nil *StepRunner is valid and reports nothing.
type StepRunner struct {
	emitter  *progress.Emitter
	platform string
	method   domain.Method
}

// NewStepRunner binds a runner to a session emitter and platform.
func NewStepRunner(emitter *progress.Emitter, platform string, method domain.Method) *StepRunner {
	return &StepRunner{emitter: emitter, platform: platform, method: method}
}

// WithMethod returns a copy of r that tags events with method.
func (r *StepRunner) WithMethod(method domain.Method) *StepRunner {
	if r == nil {
		return nil
	}
	c := *r
	c.method = method
	return &c
}

// StepData is implemented by step results that want to attach data to
// their completed event.
type StepData interface {
	StepData() map[string]any
}

// ExecuteStep runs fn as a named step. It emits started, then completed
// with the elapsed time (and data when the value implements StepData), or
// failed with the classified error. The error from fn is returned unchanged.
func ExecuteStep[T any](ctx context.Context, r *StepRunner, step, message string, fn func(context.Context) (T, error)) (T, error) {
	r.started(step, message)
	start := time.Now()

	v, err := fn(ctx)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		r.failed(step, elapsed, err)
		return v, err
	}

	var data map[string]any
	if d, ok := any(v).(StepData); ok {
		data = d.StepData()
	}
	r.completed(step, elapsed, data)
	return v, nil
}

// Do runs fn as a named step that produces no value.
func (r *StepRunner) Do(ctx context.Context, step, message string, fn func(context.Context) error) error {
	_, err := ExecuteStep(ctx, r, step, message, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Progress reports percentage progress within a running step.
func (r *StepRunner) Progress(step string, percent int, message string) {
	if r == nil {
		return
	}
	r.emitter.StepProgress(r.platform, r.method, step, percent, message)
}

// Info emits a narrative message for this platform.
func (r *StepRunner) Info(message string, data map[string]any) {
	if r == nil {
		return
	}
	r.emitter.Info(r.platform, message, data)
}

// Success emits a narrative success message for this platform.
func (r *StepRunner) Success(message string, data map[string]any) {
	if r == nil {
		return
	}
	r.emitter.Success(r.platform, message, data)
}

// Error emits a narrative error message for this platform.
func (r *StepRunner) Error(message string, data map[string]any) {
	if r == nil {
		return
	}
	r.emitter.Error(r.platform, message, data)
}

func (r *StepRunner) started(step, message string) {
	if r == nil {
		return
	}
	r.emitter.StepStarted(r.platform, r.method, step, message)
}

func (r *StepRunner) completed(step string, elapsed int64, data map[string]any) {
	if r == nil {
		return
	}
	r.emitter.StepCompleted(r.platform, r.method, step, elapsed, data)
}

func (r *StepRunner) failed(step string, elapsed int64, err error) {
	if r == nil {
		return
	}
	code, retryable := Classify(err)
	r.emitter.StepFailed(r.platform, r.method, step, elapsed, err, code, retryable)
}
