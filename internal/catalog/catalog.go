// Package catalog lists page templates from the template service and falls
// back to a bundled set when the service has nothing to show.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/splax/devmarket/pkg/api/client"
)

//go:embed fallback.yaml
var fallbackYAML []byte

// Lister fetches templates from the template service.
type Lister interface {
	ListTemplates(ctx context.Context, category string) ([]client.Template, error)
}

// Filter narrows a listing. Empty fields and "all" match everything.
type Filter struct {
	Category string
	Industry string
	Search   string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t client.Template) bool {
	if !matchAll(f.Category) && t.Category != strings.TrimSpace(f.Category) {
		return false
	}
	if !matchAll(f.Industry) && normalize(t.Industry) != normalize(f.Industry) {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(f.Search))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Name), term) ||
		strings.Contains(strings.ToLower(t.Description), term)
}

func matchAll(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, "all")
}

// normalize folds "E-commerce" and "ecommerce" onto the same key.
func normalize(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Result is one filtered listing.
type Result struct {
	Templates []client.Template `json:"templates"`
	Fallback  bool              `json:"fallback"`
}

// Catalog serves filtered template listings.
type Catalog struct {
	lister   Lister
	fallback []client.Template
	log      *slog.Logger
}

// New builds a catalog over lister. A nil lister serves the bundled set only.
func New(lister Lister, logger *slog.Logger) (*Catalog, error) {
	fallback, err := parseFallback(fallbackYAML)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{lister: lister, fallback: fallback, log: logger}, nil
}

func parseFallback(data []byte) ([]client.Template, error) {
	var doc struct {
		Templates []client.Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fallback templates: %w", err)
	}
	return doc.Templates, nil
}

// List fetches every template and applies f. When the service fails or
// nothing it returns passes the filter, the bundled templates are filtered
// instead. Service errors are logged, not returned.
func (c *Catalog) List(ctx context.Context, f Filter) Result {
	if c.lister != nil {
		templates, err := c.lister.ListTemplates(ctx, "all")
		if err != nil {
			c.log.Warn("template service unavailable, using bundled templates", "error", err)
		} else if matched := apply(templates, f); len(matched) > 0 {
			return Result{Templates: matched}
		}
	}
	return Result{Templates: apply(c.fallback, f), Fallback: true}
}

// Get finds a template by id in the service listing or the bundled set.
func (c *Catalog) Get(ctx context.Context, id string) (client.Template, bool) {
	if c.lister != nil {
		if templates, err := c.lister.ListTemplates(ctx, "all"); err == nil {
			for _, t := range templates {
				if t.ID == id {
					return t, true
				}
			}
		}
	}
	for _, t := range c.fallback {
		if t.ID == id {
			return t, true
		}
	}
	return client.Template{}, false
}

func apply(templates []client.Template, f Filter) []client.Template {
	out := make([]client.Template, 0, len(templates))
	for _, t := range templates {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}
