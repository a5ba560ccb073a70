// Package registry holds the adapters available to the publishing engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/eventcast/internal/adapter"
)

// ErrDuplicateAdapter is returned when an id is registered twice.
var ErrDuplicateAdapter = errors.New("adapter already registered")

// ValidationError lists the required fields a module is missing.
type ValidationError struct {
	ID     string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("adapter %q is invalid: missing %s", e.ID, strings.Join(e.Fields, ", "))
}

// Spec tells a factory which adapter instance to build.
type Spec struct {
	ID      string
	Options map[string]string
}

// Factory builds one adapter module.
type Factory func(ctx context.Context, spec Spec) (*adapter.Module, error)

// Options configures discovery.
type Options struct {
	ManifestDir string
	Strict      bool
	Logger      *slog.Logger

	// Templates are factories that only build adapters declared by a
	// manifest's factory field. They are never instantiated on their own.
	Templates map[string]Factory
}

// Registry maps adapter ids to modules. Safe for concurrent use; reads
// vastly outnumber writes, which only happen during discovery.
type Registry struct {
	factories map[string]Factory
	opts      Options
	logger    *slog.Logger

	mu      sync.RWMutex
	modules map[string]*adapter.Module
}

// New creates an empty registry over a table of built-in factories.
// Nothing is registered until Discover runs.
func New(factories map[string]Factory, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if factories == nil {
		factories = make(map[string]Factory)
	}
	return &Registry{
		factories: factories,
		opts:      opts,
		logger:    opts.Logger,
		modules:   make(map[string]*adapter.Module),
	}
}

// Discover builds every factory, applies manifests, and replaces the
// registered set with the result. Running it again yields the same set.
// Individual failures are logged and skipped unless discovery is strict,
// in which case the first failure aborts and nothing is replaced.
func (r *Registry) Discover(ctx context.Context) error {
	manifests, loadErrs := loadManifests(r.opts.ManifestDir)
	for _, err := range loadErrs {
		if r.opts.Strict {
			return err
		}
		r.logger.Warn("skipping adapter manifest", "error", err)
	}

	overrides := make(map[string]*Manifest)
	var instances []*Manifest
	for _, m := range manifests {
		if m.FactoryID() == m.ID {
			overrides[m.ID] = m
			continue
		}
		instances = append(instances, m)
	}

	type plan struct {
		spec     Spec
		factory  string
		manifest *Manifest
	}
	var plans []plan
	for _, id := range sortedKeys(r.factories) {
		plans = append(plans, plan{spec: Spec{ID: id}, factory: id, manifest: overrides[id]})
		delete(overrides, id)
	}
	for _, m := range instances {
		plans = append(plans, plan{spec: Spec{ID: m.ID, Options: m.Options}, factory: m.Factory, manifest: m})
	}
	for _, id := range sortedKeys(overrides) {
		err := fmt.Errorf("manifest %s: no factory %q", overrides[id].path, id)
		if r.opts.Strict {
			return err
		}
		r.logger.Warn("skipping adapter manifest", "error", err)
	}

	next := make(map[string]*adapter.Module, len(plans))
	for _, p := range plans {
		if p.manifest != nil && !p.manifest.IsEnabled() {
			r.logger.Info("adapter disabled by manifest", "adapter", p.spec.ID)
			continue
		}
		if err := r.build(ctx, next, p.factory, p.spec, p.manifest); err != nil {
			if r.opts.Strict {
				return err
			}
			r.logger.Warn("skipping adapter", "adapter", p.spec.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.modules = next
	r.mu.Unlock()

	r.logger.Info("adapter discovery complete", "count", len(next))
	return nil
}

func (r *Registry) build(ctx context.Context, into map[string]*adapter.Module, factoryID string, spec Spec, m *Manifest) error {
	factory, ok := r.factories[factoryID]
	if !ok {
		factory, ok = r.opts.Templates[factoryID]
	}
	if !ok {
		return fmt.Errorf("unknown factory %q", factoryID)
	}
	mod, err := factory(ctx, spec)
	if err != nil {
		return fmt.Errorf("build adapter %s: %w", spec.ID, err)
	}
	if mod == nil {
		return fmt.Errorf("build adapter %s: factory returned nil", spec.ID)
	}
	if m != nil {
		m.apply(mod)
	}
	mod.Metadata.ID = spec.ID
	return register(into, mod)
}

func register(into map[string]*adapter.Module, mod *adapter.Module) error {
	if fields := mod.InvalidFields(); len(fields) > 0 {
		return &ValidationError{ID: mod.Metadata.ID, Fields: fields}
	}
	if _, dup := into[mod.Metadata.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, mod.Metadata.ID)
	}
	into[mod.Metadata.ID] = mod
	return nil
}

// Register adds a module. Invalid modules and duplicate ids are rejected
// and leave the registry unchanged.
func (r *Registry) Register(mod *adapter.Module) error {
	if mod == nil {
		return &ValidationError{Fields: []string{"module"}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return register(r.modules, mod)
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (*adapter.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns every module sorted by id.
func (r *Registry) All() []*adapter.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*adapter.Module, 0, len(r.modules))
	for _, id := range sortedKeys(r.modules) {
		out = append(out, r.modules[id])
	}
	return out
}

// ByCategory returns the modules in category sorted by id.
func (r *Registry) ByCategory(category adapter.Category) []*adapter.Module {
	var out []*adapter.Module
	for _, m := range r.All() {
		if m.Metadata.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Clear unregisters everything.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*adapter.Module)
}

// Reload clears the registry and discovers again. The swap is atomic, so
// concurrent readers see either the old set or the new one.
func (r *Registry) Reload(ctx context.Context) error {
	r.logger.Info("reloading adapters")
	return r.Discover(ctx)
}

// APIStrategy returns the primary strategy for platform.
func (r *Registry) APIStrategy(platform string) adapter.Strategy {
	if m, ok := r.Get(platform); ok {
		return m.Service
	}
	return nil
}

// AutomationStrategy returns the browser automation strategy for platform.
func (r *Registry) AutomationStrategy(platform string) adapter.Strategy {
	if m, ok := r.Get(platform); ok {
		return m.Automation
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
