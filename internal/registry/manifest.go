package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/eventcast/internal/adapter"
)

// Manifest is one adapter declaration read from ADAPTER_MANIFEST_DIR.
//
// A manifest whose id matches a built-in factory overrides that adapter's
// metadata or disables it. A manifest naming a different factory declares
// a new adapter instance built by that factory, e.g. a second n8n workflow.
type Manifest struct {
	ID           string                `yaml:"id"`
	Factory      string                `yaml:"factory"`
	Enabled      *bool                 `yaml:"enabled"`
	DisplayName  string                `yaml:"display_name"`
	Version      string                `yaml:"version"`
	Category     string                `yaml:"category"`
	Description  string                `yaml:"description"`
	Capabilities *adapter.Capabilities `yaml:"capabilities"`
	Options      map[string]string     `yaml:"options"`

	path string
}

// IsEnabled reports whether the manifest leaves its adapter enabled.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// FactoryID returns the factory that builds this adapter.
func (m *Manifest) FactoryID() string {
	if m.Factory != "" {
		return m.Factory
	}
	return m.ID
}

func (m *Manifest) apply(mod *adapter.Module) {
	if m.DisplayName != "" {
		mod.Metadata.DisplayName = m.DisplayName
	}
	if m.Version != "" {
		mod.Metadata.Version = m.Version
	}
	if m.Category != "" {
		mod.Metadata.Category = adapter.Category(m.Category)
	}
	if m.Description != "" {
		mod.Metadata.Description = m.Description
	}
	if m.Capabilities != nil {
		caps := *m.Capabilities
		mod.Capabilities = &caps
	}
	if len(m.Options) > 0 {
		merged := make(map[string]string, len(mod.Options)+len(m.Options))
		for k, v := range mod.Options {
			merged[k] = v
		}
		for k, v := range m.Options {
			merged[k] = v
		}
		mod.Options = merged
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}

// LoadManifest reads and env-expands a single manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &m); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("manifest %s: id is required", path)
	}
	m.path = path
	return &m, nil
}

// loadManifests scans dir once for *.yaml and *.yml files, sorted by name.
// A missing directory yields no manifests. Per-file failures are returned
// alongside whatever loaded.
func loadManifests(dir string) ([]*Manifest, []error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, []error{fmt.Errorf("scan manifests: %w", err)}
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	var (
		out  []*Manifest
		errs []error
	)
	for _, p := range paths {
		m, err := LoadManifest(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}
