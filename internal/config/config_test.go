package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/linkscan/internal/model"
)

// TestNewConfig verifies that NewConfig returns the documented defaults.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	t.Run("default concurrency is 16 global and 4 per host", func(t *testing.T) {
		t.Parallel()
		if cfg.MaxConcurrency != 16 {
			t.Errorf("expected MaxConcurrency 16, got %d", cfg.MaxConcurrency)
		}
		if cfg.PerHostConcurrency != 4 {
			t.Errorf("expected PerHostConcurrency 4, got %d", cfg.PerHostConcurrency)
		}
	})

	t.Run("default timeout is 10 seconds", func(t *testing.T) {
		t.Parallel()
		if cfg.Timeout != 10*time.Second {
			t.Errorf("expected Timeout 10s, got %v", cfg.Timeout)
		}
	})

	t.Run("default retry policy", func(t *testing.T) {
		t.Parallel()
		if cfg.MaxRetries != 1 {
			t.Errorf("expected MaxRetries 1, got %d", cfg.MaxRetries)
		}
		if cfg.RetryBaseDelay != 500*time.Millisecond {
			t.Errorf("expected RetryBaseDelay 500ms, got %v", cfg.RetryBaseDelay)
		}
		if cfg.RetryFactor != 2 {
			t.Errorf("expected RetryFactor 2, got %v", cfg.RetryFactor)
		}
		if cfg.RetryJitter != 0.2 {
			t.Errorf("expected RetryJitter 0.2, got %v", cfg.RetryJitter)
		}
	})

	t.Run("default max redirects is 5", func(t *testing.T) {
		t.Parallel()
		if cfg.MaxRedirects != 5 {
			t.Errorf("expected MaxRedirects 5, got %d", cfg.MaxRedirects)
		}
	})

	t.Run("default source is marketplace", func(t *testing.T) {
		t.Parallel()
		if cfg.Source != "marketplace" {
			t.Errorf("expected Source marketplace, got %q", cfg.Source)
		}
		if _, err := cfg.SourceTemplate(); err != nil {
			t.Errorf("default source template should resolve: %v", err)
		}
	})

	t.Run("all link types allowed by default", func(t *testing.T) {
		t.Parallel()
		set := cfg.AllowedLinkTypeSet()
		for _, lt := range model.AllLinkTypes() {
			if !set.Allows(lt) {
				t.Errorf("expected %v to be allowed", lt)
			}
		}
	})
}

// TestConfigValidate tests validation errors.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := NewConfig()
		cfg.Targets = []string{"https://marketplace.example.com/apps"}
		return cfg
	}

	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected error
	}{
		{"valid config", func(*Config) {}, nil},
		{"no targets", func(c *Config) { c.Targets = nil }, ErrNoTarget},
		{"relative target", func(c *Config) { c.Targets = []string{"/apps"} }, ErrInvalidTarget},
		{"ftp target", func(c *Config) { c.Targets = []string{"ftp://example.com/"} }, ErrInvalidTarget},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, ErrInvalidConcurrency},
		{"zero per-host", func(c *Config) { c.PerHostConcurrency = 0 }, ErrInvalidPerHostConcurrency},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidTimeout},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, ErrInvalidRetries},
		{"zero retries allowed", func(c *Config) { c.MaxRetries = 0 }, nil},
		{"negative redirects", func(c *Config) { c.MaxRedirects = -1 }, ErrInvalidRedirects},
		{"jitter of one", func(c *Config) { c.RetryJitter = 1 }, ErrInvalidBackoff},
		{"factor below one", func(c *Config) { c.RetryFactor = 0.5 }, ErrInvalidBackoff},
		{"negative delay", func(c *Config) { c.PageDelay = -time.Second }, ErrInvalidPageDelay},
		{"negative rate", func(c *Config) { c.PerHostRate = -1 }, ErrInvalidRate},
		{"negative body size", func(c *Config) { c.MaxBodySize = -1 }, ErrInvalidMaxBodySize},
		{"negative max pages", func(c *Config) { c.MaxPages = -1 }, ErrInvalidMaxPages},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, ErrInvalidBatchSize},
		{"json and markdown", func(c *Config) { c.JSONReport = true; c.MarkdownReport = true }, ErrConflictingReportFormats},
		{"json and csv", func(c *Config) { c.JSONReport = true; c.CSVReport = true }, ErrConflictingReportFormats},
		{"unknown source", func(c *Config) { c.Source = "nope" }, ErrUnknownSource},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()

			if tc.expected == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

// TestSourceTemplateValidate tests template validation.
func TestSourceTemplateValidate(t *testing.T) {
	t.Parallel()

	t.Run("built-in templates are valid", func(t *testing.T) {
		t.Parallel()
		for name, tmpl := range BuiltinSources() {
			if err := tmpl.Validate(); err != nil {
				t.Errorf("built-in template %s: %v", name, err)
			}
		}
	})

	t.Run("missing item selector", func(t *testing.T) {
		t.Parallel()
		err := SourceTemplate{}.Validate()
		if !errors.Is(err, ErrInvalidSelector) {
			t.Errorf("expected ErrInvalidSelector, got %v", err)
		}
	})

	t.Run("malformed selector", func(t *testing.T) {
		t.Parallel()
		err := SourceTemplate{ItemSelector: "div[", LinkSelector: "a"}.Validate()
		if !errors.Is(err, ErrInvalidSelector) {
			t.Errorf("expected ErrInvalidSelector, got %v", err)
		}
	})

	t.Run("unknown link type name", func(t *testing.T) {
		t.Parallel()
		tmpl := SourceTemplate{ItemSelector: "li", LinkTypes: map[string][]string{"Blog": {"blog"}}}
		if err := tmpl.Validate(); err == nil {
			t.Error("expected error for unknown link type name")
		}
	})

	t.Run("next strategy without selector", func(t *testing.T) {
		t.Parallel()
		tmpl := SourceTemplate{ItemSelector: "li", Pagination: Pagination{Strategy: PaginationNext}}
		if err := tmpl.Validate(); !errors.Is(err, ErrInvalidPagination) {
			t.Errorf("expected ErrInvalidPagination, got %v", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		t.Parallel()
		tmpl := SourceTemplate{ItemSelector: "li", Pagination: Pagination{Strategy: "infinite-scroll"}}
		if err := tmpl.Validate(); !errors.Is(err, ErrInvalidPagination) {
			t.Errorf("expected ErrInvalidPagination, got %v", err)
		}
	})
}

// TestKeywordRules tests that rules follow the fixed link type order.
func TestKeywordRules(t *testing.T) {
	t.Parallel()

	tmpl := SourceTemplate{
		LinkTypes: map[string][]string{
			"Website":       {"website"},
			"setup guide":   {"install"},
			"Documentation": {"docs"},
		},
	}

	rules := tmpl.KeywordRules()
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	expected := []model.LinkType{model.LinkTypeSetupGuide, model.LinkTypeDocumentation, model.LinkTypeWebsite}
	for i, lt := range expected {
		if rules[i].LinkType != lt {
			t.Errorf("rule %d: expected %v, got %v", i, lt, rules[i].LinkType)
		}
	}
}

// TestLoadConfigFile tests YAML loading and merging with built-in templates.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("expected ErrConfigNotFound, got %v", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("sources: [unterminated"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("defaults and sources", func(t *testing.T) {
		t.Parallel()

		content := `
defaults:
  maxConcurrency: 8
  timeout: 3s
  maxRetries: 0
  pageDelay: 0s
  allowedLinkTypes: ["Support", "privacy policy"]
  source: api-docs
sources:
  api-docs:
    itemSelector: "section.endpoint"
    titleSelector: "h3"
    linkSelector: "a[href]"
    linkTypes:
      Documentation: ["reference"]
    pagination:
      strategy: next
      nextSelector: "a.next"
  marketplace:
    headers:
      X-Test: "1"
`
		path := filepath.Join(t.TempDir(), ".linkscan")
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		f, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}

		cfg := NewConfig()
		if err := cfg.ApplyFile(f); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}

		if cfg.MaxConcurrency != 8 {
			t.Errorf("expected MaxConcurrency 8, got %d", cfg.MaxConcurrency)
		}
		if cfg.Timeout != 3*time.Second {
			t.Errorf("expected Timeout 3s, got %v", cfg.Timeout)
		}
		if cfg.MaxRetries != 0 {
			t.Errorf("expected explicit MaxRetries 0, got %d", cfg.MaxRetries)
		}
		if cfg.PageDelay != 0 {
			t.Errorf("expected explicit PageDelay 0, got %v", cfg.PageDelay)
		}
		if len(cfg.AllowedLinkTypes) != 2 || cfg.AllowedLinkTypes[1] != model.LinkTypePrivacyPolicy {
			t.Errorf("unexpected allowed link types: %v", cfg.AllowedLinkTypes)
		}

		tmpl, err := cfg.SourceTemplate()
		if err != nil {
			t.Fatalf("source template: %v", err)
		}
		if tmpl.ItemSelector != "section.endpoint" || tmpl.Pagination.Strategy != PaginationNext {
			t.Errorf("unexpected template: %+v", tmpl)
		}

		market, err := cfg.Sources.Source("marketplace")
		if err != nil {
			t.Fatalf("marketplace: %v", err)
		}
		if market.Headers["X-Test"] != "1" {
			t.Error("expected header override to be merged")
		}
		if market.ItemSelector == "" || market.Pagination.Strategy != PaginationQuery {
			t.Error("expected built-in marketplace fields to survive the merge")
		}
	})

	t.Run("unknown allowed link type", func(t *testing.T) {
		t.Parallel()
		cfg := NewConfig()
		err := cfg.ApplyFile(&File{Defaults: Settings{AllowedLinkTypes: []string{"bogus"}}})
		if err == nil {
			t.Error("expected error for unknown link type")
		}
	})
}

// TestFindConfigFile tests explicit path resolution.
func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("explicit existing path", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
		if got := FindConfigFile(path); got != path {
			t.Errorf("expected %q, got %q", path, got)
		}
	})

	t.Run("explicit missing path", func(t *testing.T) {
		t.Parallel()
		if got := FindConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); got != "" {
			t.Errorf("expected empty path, got %q", got)
		}
	})
}

// TestApplyEnv tests LINKSCAN_* overrides.
func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"LINKSCAN_MAX_CONCURRENCY": "32",
		"LINKSCAN_TIMEOUT":         "2s",
		"LINKSCAN_MAX_RETRIES":     "3",
		"LINKSCAN_LINK_TYPES":      "Demo,Pricing",
		"LINKSCAN_PER_HOST_RATE":   "2.5",
		"LINKSCAN_PROXY":           "socks5://127.0.0.1:1080",
	}
	getenv := func(key string) string { return env[key] }

	cfg := NewConfig()
	if err := cfg.ApplyEnv(getenv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxConcurrency != 32 {
		t.Errorf("expected MaxConcurrency 32, got %d", cfg.MaxConcurrency)
	}
	if cfg.Timeout != 2*time.Second {
		t.Errorf("expected Timeout 2s, got %v", cfg.Timeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
	if len(cfg.AllowedLinkTypes) != 2 {
		t.Errorf("expected 2 allowed link types, got %v", cfg.AllowedLinkTypes)
	}
	if cfg.PerHostRate != 2.5 {
		t.Errorf("expected PerHostRate 2.5, got %v", cfg.PerHostRate)
	}
	if cfg.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Errorf("unexpected proxy %q", cfg.ProxyURL)
	}

	t.Run("invalid number", func(t *testing.T) {
		t.Parallel()
		bad := func(key string) string {
			if key == "LINKSCAN_MAX_RETRIES" {
				return "many"
			}
			return ""
		}
		err := NewConfig().ApplyEnv(bad)
		if err == nil || !strings.Contains(err.Error(), "LINKSCAN_MAX_RETRIES") {
			t.Errorf("expected error naming the variable, got %v", err)
		}
	})
}

// TestLoadDotEnv tests .env loading.
func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LINKSCAN_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LINKSCAN_TEST_DOTENV") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("LINKSCAN_TEST_DOTENV"); got != "loaded" {
		t.Errorf("expected variable to be loaded, got %q", got)
	}
}

// TestXDGDirs tests that XDG helpers end with the application name.
func TestXDGDirs(t *testing.T) {
	t.Parallel()

	for name, dir := range map[string]string{
		"data":   XDGDataDir(),
		"config": XDGConfigDir(),
		"cache":  XDGCacheDir(),
	} {
		if filepath.Base(dir) != AppName {
			t.Errorf("%s dir %q does not end with %q", name, dir, AppName)
		}
	}
}
