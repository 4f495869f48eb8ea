package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() so that callers can use
// errors.Is() while still showing a readable message.
var (
	// ErrNoTarget is returned when no seed URL is specified.
	ErrNoTarget = errors.New("no target specified: provide at least one listing URL")

	// ErrInvalidTarget is returned when a seed is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target: must be an absolute http or https URL")

	// ErrInvalidTimeout is returned when the per-request timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidConcurrency is returned when the global concurrency budget is not positive.
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be positive")

	// ErrInvalidPerHostConcurrency is returned when the per-host cap is not positive.
	ErrInvalidPerHostConcurrency = errors.New("invalid per-host concurrency: must be positive")

	// ErrInvalidRetries is returned when the retry count is negative.
	ErrInvalidRetries = errors.New("invalid retries: must be non-negative")

	// ErrInvalidRedirects is returned when the redirect limit is negative.
	ErrInvalidRedirects = errors.New("invalid max redirects: must be non-negative")

	// ErrInvalidBackoff is returned when the retry backoff parameters are out of range.
	ErrInvalidBackoff = errors.New("invalid backoff: base must be positive, factor >= 1 and jitter in [0, 1)")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("invalid batch size: must be positive")

	// ErrConflictingReportFormats is returned when more than one of
	// --json, --markdown and --csv is specified.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json, --markdown and --csv are mutually exclusive")

	// ErrInvalidPageDelay is returned when the delay between pages is negative.
	ErrInvalidPageDelay = errors.New("invalid page delay: must be non-negative")

	// ErrInvalidRate is returned when the per-host request rate is negative.
	ErrInvalidRate = errors.New("invalid per-host rate: must be non-negative")

	// ErrInvalidMaxBodySize is returned when the max body size is negative.
	ErrInvalidMaxBodySize = errors.New("invalid max body size: must be non-negative")

	// ErrInvalidMaxPages is returned when the page cap is negative.
	ErrInvalidMaxPages = errors.New("invalid max pages: must be non-negative")

	// ErrUnknownSource is returned when the requested source template does not exist.
	ErrUnknownSource = errors.New("unknown source template")

	// ErrInvalidSelector is returned when a source template has a malformed CSS selector.
	ErrInvalidSelector = errors.New("invalid CSS selector")

	// ErrInvalidPagination is returned when a source template has an unusable pagination block.
	ErrInvalidPagination = errors.New("invalid pagination strategy")
)
