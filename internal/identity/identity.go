// Package identity resolves API keys into callers and their allowed platforms.
package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	// APIKeyHeader carries the caller's key.
	APIKeyHeader = "X-API-Key"

	// apiKeyQueryParam lets EventSource clients, which cannot set headers,
	// authenticate stream requests.
	apiKeyQueryParam = "api_key"

	// DevOperator is the identity granted in development when no policy is set.
	DevOperator = "operator"

	wildcard = "*"
)

type contextKey int

const identityKey contextKey = iota

// Identity is an authenticated caller.
type Identity struct {
	Name      string
	AllowAll  bool
	Platforms map[string]struct{}
}

// Unrestricted returns an identity allowed to publish anywhere.
func Unrestricted(name string) *Identity {
	return &Identity{Name: name, AllowAll: true}
}

// Allows reports whether the caller may publish to platform.
func (i *Identity) Allows(platform string) bool {
	if i == nil {
		return false
	}
	if i.AllowAll {
		return true
	}
	_, ok := i.Platforms[platform]
	return ok
}

// Denied returns the platforms the caller may not publish to, in input order.
func (i *Identity) Denied(platforms []string) []string {
	var out []string
	for _, p := range platforms {
		if !i.Allows(p) {
			out = append(out, p)
		}
	}
	return out
}

// AllowedPlatforms returns the sorted allow-list, or ["*"].
func (i *Identity) AllowedPlatforms() []string {
	if i.AllowAll {
		return []string{wildcard}
	}
	out := make([]string, 0, len(i.Platforms))
	for p := range i.Platforms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the caller from the request context.
func FromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}

type entry struct {
	key string
	id  *Identity
}

// Policy maps API keys to identities.
type Policy struct {
	entries []entry
}

// ParsePolicy parses "key:name=platform|platform;key2:name2=*".
func ParsePolicy(raw string) (*Policy, error) {
	p := &Policy{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, rest, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("access policy entry %q: expected key:name=platforms", part)
		}
		name, platforms, ok := strings.Cut(rest, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("access policy entry for %q: expected name=platforms", strings.TrimSpace(name))
		}

		id := &Identity{Name: strings.TrimSpace(name), Platforms: make(map[string]struct{})}
		for _, platform := range strings.Split(platforms, "|") {
			platform = strings.TrimSpace(platform)
			switch platform {
			case "":
			case wildcard:
				id.AllowAll = true
			default:
				id.Platforms[platform] = struct{}{}
			}
		}
		p.entries = append(p.entries, entry{key: strings.TrimSpace(key), id: id})
	}
	return p, nil
}

// Len returns the number of configured keys.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Resolve returns the identity for key.
func (p *Policy) Resolve(key string) (*Identity, bool) {
	if p == nil || key == "" {
		return nil, false
	}
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare([]byte(e.key), []byte(key)) == 1 {
			return e.id, true
		}
	}
	return nil, false
}

func keyFromRequest(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	return r.URL.Query().Get(apiKeyQueryParam)
}

// Middleware authenticates every request against policy. In development
// with an empty policy every caller is the unrestricted DevOperator.
func Middleware(policy *Policy, isDev bool) func(http.Handler) http.Handler {
	devFallback := isDev && policy.Len() == 0
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *Identity
			if devFallback {
				id = Unrestricted(DevOperator)
			} else {
				resolved, ok := policy.Resolve(keyFromRequest(r))
				if !ok {
					http.Error(w, `{"error":"missing or unknown API key"}`, http.StatusUnauthorized)
					return
				}
				id = resolved
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
