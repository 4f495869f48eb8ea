// Package config provides configuration structures and utilities for linkscan.
// It defines check limits (concurrency, timeouts, retries, redirects), the
// per-source extraction templates, report preferences, and loading from the
// .linkscan YAML file and LINKSCAN_* environment variables.
package config
