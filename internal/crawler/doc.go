// Package crawler enumerates the pages of a listing site and extracts its
// items and outbound links.
//
// # Components
//
//   - Enumerator: walks listing pages lazily using one of three pagination
//     strategies (query parameter, next link, sitemap)
//   - Extractor: applies the source template's CSS selectors to a page and
//     produces items with normalized, classified candidate links
//
// # Politeness
//
// Page fetches are sequential with a configurable delay between them, the
// number of pages is capped and bodies are read up to a size limit.
//
// # Usage
//
//	enum, err := crawler.NewEnumerator(client, tmpl, crawler.WithMaxPages(50))
//	ext, err := crawler.NewExtractor(tmpl, cfg.AllowedLinkTypeSet())
//	for listing, err := range enum.Enumerate(ctx, seedURL) {
//	    items, err := ext.Extract(ctx, listing)
//	    ...
//	}
package crawler
