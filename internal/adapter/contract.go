// Package adapter defines the contract every platform adapter satisfies
// and the step runtime adapters use to report progress.
package adapter

import (
	"context"

	"github.com/ashureev/eventcast/internal/domain"
)

// Request carries everything a strategy needs for one publish attempt.
type Request struct {
	SessionID string
	AttemptID string
	Platform  string
	Content   domain.PlatformContent
	Meta      domain.EventMeta
	Files     []domain.FileRef
	Hashtags  []string
	Options   map[string]string

	// Steps reports step-level progress. May be nil.
	Steps *StepRunner
}

// Clone returns a shallow copy whose maps and slices can be modified safely.
func (r *Request) Clone() *Request {
	c := *r
	c.Files = append([]domain.FileRef(nil), r.Files...)
	c.Hashtags = append([]string(nil), r.Hashtags...)
	if r.Options != nil {
		c.Options = make(map[string]string, len(r.Options))
		for k, v := range r.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// Option returns the named option or fallback.
func (r *Request) Option(key, fallback string) string {
	if v, ok := r.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Result is what a strategy reports back for a publish attempt.
type Result struct {
	Success bool   `json:"success"`
	PostID  string `json:"post_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Publisher publishes content to one external destination.
type Publisher interface {
	Publish(ctx context.Context, req *Request) (*Result, error)
}

// Strategy is a Publisher that names the method it uses.
type Strategy interface {
	Publisher
	Method() domain.Method
}

// Availability is implemented by strategies that may be unusable at runtime,
// for example when credentials are not configured.
type Availability interface {
	Available() bool
}

// Cleaner is implemented by strategies that hold resources per attempt.
// Cleanup is called after every attempt regardless of its outcome.
type Cleaner interface {
	Cleanup(ctx context.Context, req *Request) error
}

// IsAvailable reports whether s is non-nil and usable.
func IsAvailable(s Strategy) bool {
	if s == nil {
		return false
	}
	if a, ok := s.(Availability); ok {
		return a.Available()
	}
	return true
}

// PublisherFunc adapts a function to a Strategy with a fixed method.
type PublisherFunc struct {
	M  domain.Method
	Fn func(ctx context.Context, req *Request) (*Result, error)
}

func (p PublisherFunc) Publish(ctx context.Context, req *Request) (*Result, error) {
	return p.Fn(ctx, req)
}

func (p PublisherFunc) Method() domain.Method { return p.M }
