// Package domain contains core domain types for the publishing service.
package domain

import (
	"strings"
	"time"
)

// CurrentEventID is the alias callers use for the operator's active event.
const CurrentEventID = "current"

// FileRef points at an uploaded file handed over by the content pipeline.
// Exactly one of Path or URL is normally set; URL may use the s3:// scheme.
type FileRef struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Location returns the path or URL of the file, preferring the URL.
func (f FileRef) Location() string {
	if f.URL != "" {
		return f.URL
	}
	return f.Path
}

// IsImage reports whether the file carries an image mime type.
func (f FileRef) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// IsVideo reports whether the file carries a video mime type.
func (f FileRef) IsVideo() bool {
	return strings.HasPrefix(f.MimeType, "video/")
}

// EventMeta is the parsed event metadata used for template substitution.
type EventMeta struct {
	Title       string            `json:"title"`
	Date        string            `json:"date,omitempty"`
	Time        string            `json:"time,omitempty"`
	Venue       string            `json:"venue,omitempty"`
	City        string            `json:"city,omitempty"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// PlatformContent is the parsed content record for one platform.
type PlatformContent struct {
	Title   string            `json:"title,omitempty"`
	Body    string            `json:"body,omitempty"`
	Link    string            `json:"link,omitempty"`
	Targets []string          `json:"targets,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether the record carries nothing publishable.
func (c PlatformContent) IsEmpty() bool {
	return strings.TrimSpace(c.Title) == "" &&
		strings.TrimSpace(c.Body) == "" &&
		strings.TrimSpace(c.Link) == ""
}

// PublishTarget is one platform entry of a publish request.
type PublishTarget struct {
	Platform string `json:"platform"`
	Selected bool   `json:"selected"`
}

// Event is the persisted record for one uploaded event.
type Event struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Meta      EventMeta                  `json:"meta"`
	Files     []FileRef                  `json:"files"`
	Content   map[string]PlatformContent `json:"content"`
	Hashtags  []string                   `json:"hashtags"`
	Selection []PublishTarget            `json:"selection"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// SelectedPlatforms returns the platform identifiers marked as selected,
// in selection order and without duplicates.
func (e *Event) SelectedPlatforms() []string {
	seen := make(map[string]struct{}, len(e.Selection))
	out := make([]string, 0, len(e.Selection))
	for _, t := range e.Selection {
		if !t.Selected || t.Platform == "" {
			continue
		}
		if _, dup := seen[t.Platform]; dup {
			continue
		}
		seen[t.Platform] = struct{}{}
		out = append(out, t.Platform)
	}
	return out
}

// ContentFor returns the parsed content for a platform, falling back to
// the "default" record when the platform has none of its own.
func (e *Event) ContentFor(platform string) (PlatformContent, bool) {
	if c, ok := e.Content[platform]; ok {
		return c, true
	}
	c, ok := e.Content["default"]
	return c, ok
}

// HasParsedContent reports whether at least one non-empty content record exists.
func (e *Event) HasParsedContent() bool {
	for _, c := range e.Content {
		if !c.IsEmpty() {
			return true
		}
	}
	return false
}
