package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/nao1215/linkscan/internal/model"
)

// Pagination strategies.
const (
	// PaginationQuery requests page N by setting a query parameter.
	PaginationQuery = "query"

	// PaginationNext follows a "next page" link until there is none.
	PaginationNext = "next"

	// PaginationSitemap reads every listing page from a sitemap.
	PaginationSitemap = "sitemap"
)

// Pagination describes how listing pages are enumerated.
type Pagination struct {
	// Strategy is one of "query", "next" or "sitemap".
	Strategy string `yaml:"strategy,omitempty"`

	// Param is the query parameter carrying the page number (query strategy).
	Param string `yaml:"param,omitempty"`

	// NextSelector matches the element whose href is the next page (next strategy).
	NextSelector string `yaml:"nextSelector,omitempty"`

	// TotalPagesSelector matches the element that carries the page count.
	TotalPagesSelector string `yaml:"totalPagesSelector,omitempty"`

	// TotalPagesAttr is the attribute holding the page count. When empty the
	// element text is used.
	TotalPagesAttr string `yaml:"totalPagesAttr,omitempty"`
}

// SourceTemplate is the per-source-kind extraction template.
type SourceTemplate struct {
	// ItemSelector matches one element per listing entry.
	ItemSelector string `yaml:"itemSelector,omitempty"`

	// TitleSelector matches the entry name inside an item.
	TitleSelector string `yaml:"titleSelector,omitempty"`

	// TitleAttr, when set and present on the item, is used as the entry name.
	TitleAttr string `yaml:"titleAttr,omitempty"`

	// LinkSelector matches the outbound links inside an item.
	LinkSelector string `yaml:"linkSelector,omitempty"`

	// LinkTypeAttr is an anchor attribute that names the link type explicitly.
	LinkTypeAttr string `yaml:"linkTypeAttr,omitempty"`

	// LinkTypes maps link type names to keywords matched against anchor
	// text, then against the URL path.
	LinkTypes map[string][]string `yaml:"linkTypes,omitempty"`

	// Pagination selects the enumeration strategy.
	Pagination Pagination `yaml:"pagination,omitempty"`

	// Cookie is sent with every request to this source.
	Cookie string `yaml:"cookie,omitempty"`

	// Headers are added to every request to this source.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Settings are check limits that can be set in the config file.
// Pointer fields distinguish "unset" from a legitimate zero.
type Settings struct {
	MaxConcurrency     int            `yaml:"maxConcurrency,omitempty"`
	PerHostConcurrency int            `yaml:"perHostConcurrency,omitempty"`
	PerHostRate        float64        `yaml:"perHostRate,omitempty"`
	Timeout            time.Duration  `yaml:"timeout,omitempty"`
	MaxRetries         *int           `yaml:"maxRetries,omitempty"`
	MaxRedirects       *int           `yaml:"maxRedirects,omitempty"`
	MaxPages           *int           `yaml:"maxPages,omitempty"`
	PageDelay          *time.Duration `yaml:"pageDelay,omitempty"`
	UserAgent          string         `yaml:"userAgent,omitempty"`
	AllowedLinkTypes   []string       `yaml:"allowedLinkTypes,omitempty"`
	Source             string         `yaml:"source,omitempty"`
	Proxy              string         `yaml:"proxy,omitempty"`
}

// File represents the structure of the .linkscan configuration file.
type File struct {
	// Defaults overrides the built-in check limits.
	Defaults Settings `yaml:"defaults,omitempty"`

	// Sources maps a source kind to its extraction template. Entries with
	// the name of a built-in template override that template field by field.
	Sources map[string]SourceTemplate `yaml:"sources,omitempty"`
}

// NewFile returns a File holding only the built-in templates.
func NewFile() *File {
	return &File{Sources: BuiltinSources()}
}

// BuiltinSources returns the templates shipped with linkscan.
func BuiltinSources() map[string]SourceTemplate {
	return map[string]SourceTemplate{
		"marketplace": {
			ItemSelector:  "[data-app-name], .app-card, .listing-card",
			TitleSelector: ".app-name, h2, h3",
			TitleAttr:     "data-app-name",
			LinkSelector:  "a[href]",
			LinkTypeAttr:  "data-link-type",
			LinkTypes: map[string][]string{
				"SetupGuide":    {"setup guide", "setup", "install", "getting started"},
				"Documentation": {"documentation", "docs"},
				"Support":       {"support", "help", "contact"},
				"Pricing":       {"pricing", "plans"},
				"PrivacyPolicy": {"privacy"},
				"Terms":         {"terms", "tos"},
				"Demo":          {"demo", "trial"},
				"Website":       {"website", "homepage"},
			},
			Pagination: Pagination{
				Strategy:           PaginationQuery,
				Param:              "page",
				TotalPagesSelector: "[data-total-pages]",
				TotalPagesAttr:     "data-total-pages",
			},
		},
		"docs": {
			ItemSelector:  "article, .doc-page",
			TitleSelector: "h1, h2",
			LinkSelector:  "a[href]",
			LinkTypeAttr:  "data-link-type",
			LinkTypes: map[string][]string{
				"Documentation": {"docs", "reference", "guide", "api"},
				"Support":       {"support", "help", "community"},
				"SetupGuide":    {"install", "quickstart", "getting started"},
			},
			Pagination: Pagination{
				Strategy:     PaginationNext,
				NextSelector: "a[rel=next], link[rel=next]",
			},
		},
		"sitemap": {
			ItemSelector:  "main, article, body",
			TitleSelector: "h1, title",
			LinkSelector:  "a[href]",
			LinkTypeAttr:  "data-link-type",
			Pagination: Pagination{
				Strategy: PaginationSitemap,
			},
		},
	}
}

// Source returns the template for kind, falling back to ErrUnknownSource.
func (f *File) Source(kind string) (SourceTemplate, error) {
	tmpl, ok := f.Sources[kind]
	if !ok {
		return SourceTemplate{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownSource, kind, f.SourceNames())
	}
	return tmpl, nil
}

// SourceNames returns the known source kinds in sorted order.
func (f *File) SourceNames() []string {
	return slices.Sorted(maps.Keys(f.Sources))
}

// merge overlays user-defined sources on top of f.
func (f *File) merge(user *File) {
	if f.Sources == nil {
		f.Sources = make(map[string]SourceTemplate)
	}
	for kind, tmpl := range user.Sources {
		if base, ok := f.Sources[kind]; ok {
			f.Sources[kind] = mergeSourceTemplate(base, tmpl)
			continue
		}
		f.Sources[kind] = tmpl
	}
	f.Defaults = user.Defaults
}

// mergeSourceTemplate merges a template with non-zero overrides.
func mergeSourceTemplate(base, override SourceTemplate) SourceTemplate {
	result := base

	if override.ItemSelector != "" {
		result.ItemSelector = override.ItemSelector
	}
	if override.TitleSelector != "" {
		result.TitleSelector = override.TitleSelector
	}
	if override.TitleAttr != "" {
		result.TitleAttr = override.TitleAttr
	}
	if override.LinkSelector != "" {
		result.LinkSelector = override.LinkSelector
	}
	if override.LinkTypeAttr != "" {
		result.LinkTypeAttr = override.LinkTypeAttr
	}
	if len(override.LinkTypes) > 0 {
		result.LinkTypes = override.LinkTypes
	}
	if override.Pagination.Strategy != "" {
		result.Pagination = override.Pagination
	}
	if override.Cookie != "" {
		result.Cookie = override.Cookie
	}
	if len(override.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(override.Headers))
		maps.Copy(headers, base.Headers)
		maps.Copy(headers, override.Headers)
		result.Headers = headers
	}

	return result
}

// Validate checks selectors, link type names and the pagination block.
func (t SourceTemplate) Validate() error {
	if t.ItemSelector == "" {
		return fmt.Errorf("%w: itemSelector is required", ErrInvalidSelector)
	}

	selectors := map[string]string{
		"itemSelector":       t.ItemSelector,
		"titleSelector":      t.TitleSelector,
		"linkSelector":       t.LinkSelector,
		"nextSelector":       t.Pagination.NextSelector,
		"totalPagesSelector": t.Pagination.TotalPagesSelector,
	}
	for name, sel := range selectors {
		if sel == "" {
			continue
		}
		if _, err := cascadia.ParseGroup(sel); err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalidSelector, name, sel, err)
		}
	}

	for name := range t.LinkTypes {
		if _, err := model.ParseLinkType(name); err != nil {
			return fmt.Errorf("invalid linkTypes entry: %w", err)
		}
	}

	switch t.Pagination.Strategy {
	case "", PaginationQuery, PaginationSitemap:
	case PaginationNext:
		if t.Pagination.NextSelector == "" {
			return fmt.Errorf("%w: next strategy requires nextSelector", ErrInvalidPagination)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPagination, t.Pagination.Strategy)
	}

	return nil
}

// KeywordRules returns the link type keyword rules in the fixed order of
// model.AllLinkTypes so that classification is deterministic.
func (t SourceTemplate) KeywordRules() []KeywordRule {
	byType := make(map[model.LinkType][]string, len(t.LinkTypes))
	for name, keywords := range t.LinkTypes {
		lt, err := model.ParseLinkType(name)
		if err != nil {
			continue
		}
		byType[lt] = append(byType[lt], keywords...)
	}

	rules := make([]KeywordRule, 0, len(byType))
	for _, lt := range model.AllLinkTypes() {
		if keywords, ok := byType[lt]; ok {
			rules = append(rules, KeywordRule{LinkType: lt, Keywords: keywords})
		}
	}
	return rules
}

// KeywordRule maps keywords to one link type.
type KeywordRule struct {
	LinkType model.LinkType
	Keywords []string
}

// ApplyFile applies the defaults section of a config file to c.
// Only fields present in the file are changed.
func (c *Config) ApplyFile(f *File) error {
	merged := NewFile()
	merged.merge(f)
	c.Sources = merged

	d := f.Defaults
	if d.MaxConcurrency > 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if d.PerHostConcurrency > 0 {
		c.PerHostConcurrency = d.PerHostConcurrency
	}
	if d.PerHostRate > 0 {
		c.PerHostRate = d.PerHostRate
	}
	if d.Timeout > 0 {
		c.Timeout = d.Timeout
	}
	if d.MaxRetries != nil {
		c.MaxRetries = *d.MaxRetries
	}
	if d.MaxRedirects != nil {
		c.MaxRedirects = *d.MaxRedirects
	}
	if d.MaxPages != nil {
		c.MaxPages = *d.MaxPages
	}
	if d.PageDelay != nil {
		c.PageDelay = *d.PageDelay
	}
	if d.UserAgent != "" {
		c.UserAgent = d.UserAgent
	}
	if d.Source != "" {
		c.Source = d.Source
	}
	if d.Proxy != "" {
		c.ProxyURL = d.Proxy
	}
	if len(d.AllowedLinkTypes) > 0 {
		types, err := model.ParseLinkTypes(d.AllowedLinkTypes)
		if err != nil {
			return fmt.Errorf("invalid allowedLinkTypes: %w", err)
		}
		c.AllowedLinkTypes = types
	}

	return nil
}
