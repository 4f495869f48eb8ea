package model

import "fmt"

// DiscoveryError is returned when the listing cannot be enumerated at all.
// It is fatal to the scan.
type DiscoveryError struct {
	// URL is the listing URL that could not be discovered.
	URL string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ExtractionError is returned when a single page does not match the
// expected markup. The page contributes zero items and the scan continues.
type ExtractionError struct {
	// Page is the page that failed.
	Page PageRef

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for page %d (%s): %v", e.Page.PageNumber, e.Page.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}
