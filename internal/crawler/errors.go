package crawler

import "errors"

var (
	// ErrUnexpectedStatus is returned when a listing page answers non-2xx.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrUnexpectedContentType is returned when a listing page is not HTML,
	// or a sitemap is not XML.
	ErrUnexpectedContentType = errors.New("unexpected content type")

	// ErrEmptySitemap is returned when a sitemap lists no pages.
	ErrEmptySitemap = errors.New("sitemap lists no pages")

	// ErrNoItems is returned when the item selector matches nothing on a page.
	ErrNoItems = errors.New("item selector matched no elements")
)
