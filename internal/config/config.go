package config

import (
	"net/url"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/nao1215/linkscan/internal/model"
)

// Default configuration values.
const (
	// DefaultMaxConcurrency is the global budget of in-flight link checks.
	DefaultMaxConcurrency = 16

	// DefaultPerHostConcurrency caps in-flight checks against one host so a
	// listing that links heavily to one vendor does not hammer it.
	DefaultPerHostConcurrency = 4

	// DefaultTimeout is the per-request timeout for link checks and page fetches.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt for
	// transient failures.
	DefaultMaxRetries = 1

	// DefaultMaxRedirects is the redirect depth still classified as OK.
	DefaultMaxRedirects = 5

	// DefaultRetryBaseDelay is the backoff before the first retry.
	DefaultRetryBaseDelay = 500 * time.Millisecond

	// DefaultRetryFactor multiplies the backoff after every retry.
	DefaultRetryFactor = 2.0

	// DefaultRetryJitter is the +/- fraction applied to every backoff.
	DefaultRetryJitter = 0.2

	// DefaultMaxPages caps the number of listing pages per scan.
	DefaultMaxPages = 500

	// DefaultPageDelay is the politeness delay between listing page fetches.
	DefaultPageDelay = 500 * time.Millisecond

	// DefaultBatchSize is the number of seeds scanned concurrently.
	DefaultBatchSize = 2

	// DefaultSource is the source template used when none is specified.
	DefaultSource = "marketplace"

	// AppName is the application name used for XDG directory paths.
	AppName = "linkscan"

	// DefaultUserAgent identifies linkscan in HTTP requests so that site
	// operators can recognize checker traffic in their logs.
	DefaultUserAgent = "linkscan/1.0 (+https://github.com/nao1215/linkscan)"

	// DefaultMaxBodySize limits how much of a listing page is read.
	DefaultMaxBodySize = 5 * 1024 * 1024 // 5MB

	// DefaultServeAddress is the listen address of the HTTP API.
	DefaultServeAddress = "127.0.0.1:8080"
)

// Config holds all configuration options for linkscan.
// It is populated from defaults, the config file, the environment and CLI
// flags, in that order, and passed down explicitly.
type Config struct {
	// MaxConcurrency is the number of link checks that may be in flight at once.
	MaxConcurrency int

	// PerHostConcurrency is the number of in-flight checks allowed per host.
	PerHostConcurrency int

	// PerHostRate limits requests per second to one host. 0 disables it.
	PerHostRate float64

	// Timeout applies to each HTTP request.
	Timeout time.Duration

	// MaxRetries is the number of retries for network errors, timeouts and
	// transient statuses (429, 502, 503, 504).
	MaxRetries int

	// MaxRedirects is the redirect chain length still classified as OK.
	MaxRedirects int

	// RetryBaseDelay is the backoff before the first retry.
	RetryBaseDelay time.Duration

	// RetryFactor multiplies the backoff after each retry.
	RetryFactor float64

	// RetryJitter is the +/- fraction of randomization applied to backoff.
	RetryJitter float64

	// AllowedLinkTypes filters extracted links. Empty allows every type.
	AllowedLinkTypes []model.LinkType

	// Source selects the source template (item selector, link type map,
	// pagination strategy).
	Source string

	// MaxPages caps the number of listing pages. 0 means unlimited.
	MaxPages int

	// PageDelay is the delay between listing page fetches.
	PageDelay time.Duration

	// UserAgent is the User-Agent header sent with every request.
	UserAgent string

	// MaxBodySize is the maximum listing page size in bytes.
	MaxBodySize int64

	// ProxyURL routes all traffic through a proxy (http://, https:// or socks5://).
	ProxyURL string

	// Verbose enables debug logging.
	Verbose bool

	// BatchSize is the number of seeds scanned concurrently.
	BatchSize int

	// ConfigFilePath is the path to the configuration file.
	// If empty, .linkscan is searched in the current and home directories.
	ConfigFilePath string

	// Sources holds the templates loaded from the config file merged with
	// the built-in ones.
	Sources *File

	// JSONReport selects JSON output.
	JSONReport bool

	// MarkdownReport selects Markdown output.
	MarkdownReport bool

	// CSVReport selects CSV output (one row per broken link).
	CSVReport bool

	// ReportFile writes the report to a file instead of stdout.
	ReportFile string

	// ShowProgress prints progress lines to stderr while scanning.
	ShowProgress bool

	// FailOnBroken makes the scan command exit non-zero when broken links exist.
	FailOnBroken bool

	// SaveToDB stores every finished scan in the history database.
	SaveToDB bool

	// DBDir is the directory of the history database.
	DBDir string

	// MetricsAddr serves Prometheus metrics during a CLI scan when set.
	MetricsAddr string

	// ServeAddress is the listen address of the HTTP API.
	ServeAddress string

	// Targets are the seed listing URLs to scan.
	Targets []string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConcurrency:     DefaultMaxConcurrency,
		PerHostConcurrency: DefaultPerHostConcurrency,
		Timeout:            DefaultTimeout,
		MaxRetries:         DefaultMaxRetries,
		MaxRedirects:       DefaultMaxRedirects,
		RetryBaseDelay:     DefaultRetryBaseDelay,
		RetryFactor:        DefaultRetryFactor,
		RetryJitter:        DefaultRetryJitter,
		Source:             DefaultSource,
		MaxPages:           DefaultMaxPages,
		PageDelay:          DefaultPageDelay,
		UserAgent:          DefaultUserAgent,
		MaxBodySize:        DefaultMaxBodySize,
		BatchSize:          DefaultBatchSize,
		SaveToDB:           true,
		DBDir:              XDGDataDir(),
		ServeAddress:       DefaultServeAddress,
		Sources:            NewFile(),
	}
}

// XDGDataDir returns the XDG data directory for linkscan.
// On Linux: ~/.local/share/linkscan
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for linkscan.
// On Linux: ~/.config/linkscan
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGCacheDir returns the XDG cache directory for linkscan.
// On Linux: ~/.cache/linkscan
func XDGCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName)
}

// AllowedLinkTypeSet returns the allow-list as a set.
func (c *Config) AllowedLinkTypeSet() model.LinkTypeSet {
	return model.NewLinkTypeSet(c.AllowedLinkTypes...)
}

// SourceTemplate returns the template selected by c.Source.
func (c *Config) SourceTemplate() (SourceTemplate, error) {
	sources := c.Sources
	if sources == nil {
		sources = NewFile()
	}
	return sources.Source(c.Source)
}

// ValidateCheckSettings validates the settings shared by every entry point
// (scan command and HTTP API): limits, retry policy and the source template.
func (c *Config) ValidateCheckSettings() error {
	if c.MaxConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.PerHostConcurrency <= 0 {
		return ErrInvalidPerHostConcurrency
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if c.MaxRedirects < 0 {
		return ErrInvalidRedirects
	}
	if c.RetryBaseDelay <= 0 || c.RetryFactor < 1 || c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return ErrInvalidBackoff
	}
	if c.PageDelay < 0 {
		return ErrInvalidPageDelay
	}
	if c.PerHostRate < 0 {
		return ErrInvalidRate
	}
	if c.MaxBodySize < 0 {
		return ErrInvalidMaxBodySize
	}
	if c.MaxPages < 0 {
		return ErrInvalidMaxPages
	}

	tmpl, err := c.SourceTemplate()
	if err != nil {
		return err
	}
	return tmpl.Validate()
}

// Validate checks the full configuration of the scan command.
// It returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return ErrNoTarget
	}
	for _, target := range c.Targets {
		if !IsValidTarget(target) {
			return ErrInvalidTarget
		}
	}

	if err := c.ValidateCheckSettings(); err != nil {
		return err
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	formats := 0
	for _, set := range []bool{c.JSONReport, c.MarkdownReport, c.CSVReport} {
		if set {
			formats++
		}
	}
	if formats > 1 {
		return ErrConflictingReportFormats
	}

	return nil
}

// IsValidTarget reports whether target is an absolute http(s) URL with a host.
func IsValidTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
