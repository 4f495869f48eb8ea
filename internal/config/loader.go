package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/linkscan/internal/model"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".linkscan"

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "LINKSCAN_"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// LoadConfigFile loads limits and source templates from a YAML file.
// If the file does not exist, it returns ErrConfigNotFound.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cf File
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}

	if cf.Sources == nil {
		cf.Sources = make(map[string]SourceTemplate)
	}

	return &cf, nil
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .linkscan in the current directory
// 3. Look for .linkscan in the user's home directory
// 4. Look for config.yaml in the XDG config directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	candidates := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, DefaultConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultConfigFile))
	}
	candidates = append(candidates, filepath.Join(XDGConfigDir(), "config.yaml"))

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return ""
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv applies LINKSCAN_* variables to c. getenv is usually os.Getenv.
//
// Recognized variables: MAX_CONCURRENCY, PER_HOST_CONCURRENCY, PER_HOST_RATE,
// TIMEOUT, MAX_RETRIES, MAX_REDIRECTS, MAX_PAGES, PAGE_DELAY, USER_AGENT,
// LINK_TYPES (comma separated), SOURCE, PROXY, DB_DIR, SERVE_ADDR.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	lookup := func(name string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + name))
		return v, v != ""
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_CONCURRENCY", &c.MaxConcurrency},
		{"PER_HOST_CONCURRENCY", &c.PerHostConcurrency},
		{"MAX_RETRIES", &c.MaxRetries},
		{"MAX_REDIRECTS", &c.MaxRedirects},
		{"MAX_PAGES", &c.MaxPages},
	}
	for _, e := range ints {
		if v, ok := lookup(e.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, e.name, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"TIMEOUT", &c.Timeout},
		{"PAGE_DELAY", &c.PageDelay},
	}
	for _, e := range durations {
		if v, ok := lookup(e.name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, e.name, err)
			}
			*e.dst = d
		}
	}

	if v, ok := lookup("PER_HOST_RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sPER_HOST_RATE: %w", EnvPrefix, err)
		}
		c.PerHostRate = r
	}

	if v, ok := lookup("LINK_TYPES"); ok {
		types, err := model.ParseLinkTypes(strings.Split(v, ","))
		if err != nil {
			return fmt.Errorf("invalid %sLINK_TYPES: %w", EnvPrefix, err)
		}
		c.AllowedLinkTypes = types
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"USER_AGENT", &c.UserAgent},
		{"SOURCE", &c.Source},
		{"PROXY", &c.ProxyURL},
		{"DB_DIR", &c.DBDir},
		{"SERVE_ADDR", &c.ServeAddress},
	}
	for _, e := range strs {
		if v, ok := lookup(e.name); ok {
			*e.dst = v
		}
	}

	return nil
}
