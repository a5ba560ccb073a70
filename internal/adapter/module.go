package adapter

import (
	"fmt"

	"github.com/ashureev/eventcast/internal/domain"
)

// Category groups adapters in listings.
type Category string

const (
	CategorySocial   Category = "social"
	CategoryEmail    Category = "email"
	CategoryWorkflow Category = "workflow"
)

// Capabilities lists the content features a platform accepts.
type Capabilities struct {
	Text        bool `json:"text" yaml:"text"`
	Image       bool `json:"image" yaml:"image"`
	Video       bool `json:"video" yaml:"video"`
	Link        bool `json:"link" yaml:"link"`
	Hashtags    bool `json:"hashtags" yaml:"hashtags"`
	Scheduling  bool `json:"scheduling" yaml:"scheduling"`
	HTML        bool `json:"html" yaml:"html"`
	Attachments bool `json:"attachments" yaml:"attachments"`

	MaxFiles    int `json:"max_files,omitempty" yaml:"max_files"`
	MaxBodyRune int `json:"max_body_runes,omitempty" yaml:"max_body_runes"`
}

// Metadata describes a registered adapter. Immutable once registered.
type Metadata struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Version      string   `json:"version"`
	Category     Category `json:"category"`
	Description  string   `json:"description,omitempty"`
	RequiresAuth bool     `json:"requires_auth"`
}

// Field is one UI field definition. The service treats schemas as opaque.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
}

// Schema holds the settings, editor and preview field definitions.
type Schema struct {
	Settings []Field `json:"settings,omitempty"`
	Editor   []Field `json:"editor,omitempty"`
	Preview  []Field `json:"preview,omitempty"`
}

// Violation is one content or file constraint failure.
type Violation struct {
	Platform string `json:"platform,omitempty"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	if v.Platform != "" {
		return fmt.Sprintf("%s.%s: %s", v.Platform, v.Field, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Parser turns a parsed event into the content one platform publishes.
type Parser interface {
	Parse(event *domain.Event) (domain.PlatformContent, error)
}

// Validator checks platform content and files before anything is sent.
type Validator interface {
	Validate(content domain.PlatformContent, files []domain.FileRef) []Violation
}

// Module is everything the registry knows about one platform.
type Module struct {
	Metadata     Metadata
	Schema       *Schema
	Capabilities *Capabilities
	Service      Strategy // primary strategy: direct API or delegated workflow
	Parser       Parser
	Validator    Validator

	// Automation is the optional browser automation fallback.
	Automation Strategy

	// Options are defaults merged under per-request options.
	Options map[string]string
}

// InvalidFields returns the names of required fields that are missing.
func (m *Module) InvalidFields() []string {
	var fields []string
	if m.Metadata.ID == "" {
		fields = append(fields, "metadata.id")
	}
	if m.Metadata.DisplayName == "" {
		fields = append(fields, "metadata.displayName")
	}
	if m.Metadata.Version == "" {
		fields = append(fields, "metadata.version")
	}
	if m.Schema == nil {
		fields = append(fields, "schema")
	}
	if m.Capabilities == nil {
		fields = append(fields, "capabilities")
	}
	if m.Service == nil {
		fields = append(fields, "service")
	}
	if m.Parser == nil {
		fields = append(fields, "parser")
	}
	if m.Validator == nil {
		fields = append(fields, "validator")
	}
	return fields
}

// FileViolations checks files against the platform capabilities and a size ceiling.
func FileViolations(platform string, caps Capabilities, files []domain.FileRef, maxSize int64) []Violation {
	var out []Violation
	if caps.MaxFiles > 0 && len(files) > caps.MaxFiles {
		out = append(out, Violation{
			Platform: platform,
			Field:    "files",
			Message:  fmt.Sprintf("at most %d files allowed, got %d", caps.MaxFiles, len(files)),
		})
	}
	for _, f := range files {
		switch {
		case f.Location() == "":
			out = append(out, Violation{Platform: platform, Field: "files", Message: fmt.Sprintf("%s has no path or url", f.Name)})
		case maxSize > 0 && f.Size > maxSize:
			out = append(out, Violation{Platform: platform, Field: "files", Message: fmt.Sprintf("%s exceeds %d bytes", f.Name, maxSize)})
		case f.IsVideo() && !caps.Video:
			out = append(out, Violation{Platform: platform, Field: "files", Message: fmt.Sprintf("%s: video not supported", f.Name)})
		}
	}
	return out
}
