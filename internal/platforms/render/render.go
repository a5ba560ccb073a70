// Package render turns parsed event content into platform text. It
// substitutes {placeholders} from the event metadata and checks the
// rendered content against per-platform limits.
package render

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/domain"
)

// Vars are the placeholder values available to templates.
type Vars map[string]string

// VarsFor builds template variables from an event.
func VarsFor(meta domain.EventMeta, name string, hashtags []string) Vars {
	title := meta.Title
	if title == "" {
		title = name
	}
	v := Vars{
		"title":       title,
		"name":        name,
		"date":        meta.Date,
		"time":        meta.Time,
		"venue":       meta.Venue,
		"city":        meta.City,
		"description": meta.Description,
		"url":         meta.URL,
		"hashtags":    Hashtags(hashtags),
	}
	for k, val := range meta.Extra {
		if _, builtin := v[k]; !builtin {
			v[k] = val
		}
	}
	return v
}

// Render replaces every {key} in tmpl with its value. Unknown
// placeholders are left untouched.
func Render(tmpl string, vars Vars) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Hashtags joins tags with spaces, adding a leading # where missing.
func Hashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// Parser selects a platform's content record and renders its templates.
type Parser struct {
	Platform string
}

// Parse implements adapter.Parser.
func (p Parser) Parse(event *domain.Event) (domain.PlatformContent, error) {
	c, ok := event.ContentFor(p.Platform)
	if !ok {
		return domain.PlatformContent{}, fmt.Errorf("no parsed content for %s", p.Platform)
	}
	vars := VarsFor(event.Meta, event.Name, event.Hashtags)

	c.Title = strings.TrimSpace(Render(c.Title, vars))
	if c.Title == "" {
		c.Title = vars["title"]
	}
	c.Body = strings.TrimSpace(Render(c.Body, vars))
	if c.Link == "" {
		c.Link = event.Meta.URL
	}
	c.Targets = append([]string(nil), c.Targets...)
	return c, nil
}

// Limits checks rendered content against platform constraints.
type Limits struct {
	MaxTitleRunes  int
	MaxBodyRunes   int
	RequireBody    bool
	RequireTargets bool
	RequireImage   bool
}

// Validate implements adapter.Validator.
func (l Limits) Validate(c domain.PlatformContent, files []domain.FileRef) []adapter.Violation {
	var out []adapter.Violation
	if strings.TrimSpace(c.Title) == "" {
		out = append(out, adapter.Violation{Field: "title", Message: "title is required"})
	}
	if n := utf8.RuneCountInString(c.Title); l.MaxTitleRunes > 0 && n > l.MaxTitleRunes {
		out = append(out, adapter.Violation{Field: "title", Message: fmt.Sprintf("title is %d characters, limit is %d", n, l.MaxTitleRunes)})
	}
	if l.RequireBody && strings.TrimSpace(c.Body) == "" {
		out = append(out, adapter.Violation{Field: "body", Message: "body is required"})
	}
	if n := utf8.RuneCountInString(c.Body); l.MaxBodyRunes > 0 && n > l.MaxBodyRunes {
		out = append(out, adapter.Violation{Field: "body", Message: fmt.Sprintf("body is %d characters, limit is %d", n, l.MaxBodyRunes)})
	}
	if l.RequireTargets && len(c.Targets) == 0 {
		out = append(out, adapter.Violation{Field: "targets", Message: "at least one target is required"})
	}
	if l.RequireImage {
		hasImage := false
		for _, f := range files {
			if f.IsImage() {
				hasImage = true
				break
			}
		}
		if !hasImage {
			out = append(out, adapter.Violation{Field: "files", Message: "an image is required"})
		}
	}
	return out
}

// FileNames lists file names, for script and webhook payloads.
func FileNames(files []domain.FileRef) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}
