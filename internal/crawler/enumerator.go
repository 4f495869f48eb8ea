package crawler

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/model"
	"golang.org/x/crypto/sha3"
)

// StatusError reports a listing page that answered with a non-2xx status.
type StatusError struct {
	StatusCode int
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d %s", ErrUnexpectedStatus, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is lets errors.Is match ErrUnexpectedStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Enumerator walks the pages of a listing.
// It keeps no state between Enumerate calls, so every call starts over at
// page 1.
type Enumerator struct {
	// client fetches listing pages. It should carry the source cookie and
	// headers.
	client *http.Client

	// pagination selects the strategy.
	pagination config.Pagination

	// itemSel detects empty pages when the page count is unknown.
	itemSel cascadia.Selector

	// nextSel and totalSel are compiled from the pagination block; nil when
	// not configured.
	nextSel  cascadia.Selector
	totalSel cascadia.Selector

	// maxPages caps the number of yielded pages. 0 means unlimited.
	maxPages int

	// delay is the politeness delay between page fetches.
	delay time.Duration

	// maxBodySize limits how much of each page is read.
	maxBodySize int64

	logger *slog.Logger
}

// EnumeratorOption configures an Enumerator.
type EnumeratorOption func(*Enumerator)

// WithMaxPages caps the number of listing pages. 0 means unlimited.
func WithMaxPages(n int) EnumeratorOption {
	return func(e *Enumerator) {
		e.maxPages = n
	}
}

// WithPageDelay sets the delay between page fetches.
func WithPageDelay(d time.Duration) EnumeratorOption {
	return func(e *Enumerator) {
		e.delay = d
	}
}

// WithMaxBodySize sets the maximum page size read.
func WithMaxBodySize(n int64) EnumeratorOption {
	return func(e *Enumerator) {
		e.maxBodySize = n
	}
}

// WithEnumeratorLogger sets the logger.
func WithEnumeratorLogger(logger *slog.Logger) EnumeratorOption {
	return func(e *Enumerator) {
		e.logger = logger
	}
}

// NewEnumerator creates an Enumerator for the given source template.
func NewEnumerator(client *http.Client, tmpl config.SourceTemplate, opts ...EnumeratorOption) (*Enumerator, error) {
	e := &Enumerator{
		client:      client,
		pagination:  tmpl.Pagination,
		maxPages:    config.DefaultMaxPages,
		delay:       config.DefaultPageDelay,
		maxBodySize: config.DefaultMaxBodySize,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.itemSel, err = cascadia.Compile(tmpl.ItemSelector); err != nil {
		return nil, fmt.Errorf("%w: itemSelector: %v", config.ErrInvalidSelector, err)
	}
	if sel := tmpl.Pagination.NextSelector; sel != "" {
		if e.nextSel, err = cascadia.Compile(sel); err != nil {
			return nil, fmt.Errorf("%w: nextSelector: %v", config.ErrInvalidSelector, err)
		}
	}
	if sel := tmpl.Pagination.TotalPagesSelector; sel != "" {
		if e.totalSel, err = cascadia.Compile(sel); err != nil {
			return nil, fmt.Errorf("%w: totalPagesSelector: %v", config.ErrInvalidSelector, err)
		}
	}
	if e.pagination.Strategy == config.PaginationNext && e.nextSel == nil {
		return nil, fmt.Errorf("%w: next strategy requires nextSelector", config.ErrInvalidPagination)
	}

	return e, nil
}

// Enumerate yields the listing pages reachable from baseURL in order.
//
// A page after the first that cannot be fetched is yielded with Err set to
// an *model.ExtractionError. If the first page (or the sitemap) cannot be
// fetched or is not the expected content type, a *model.DiscoveryError is
// yielded and enumeration ends. When ctx is cancelled, ctx.Err() is yielded
// and enumeration ends.
func (e *Enumerator) Enumerate(ctx context.Context, baseURL string) iter.Seq2[*Listing, error] {
	return func(yield func(*Listing, error) bool) {
		base, err := parseSeed(baseURL)
		if err != nil {
			yield(nil, &model.DiscoveryError{URL: baseURL, Err: err})
			return
		}

		switch e.pagination.Strategy {
		case config.PaginationNext:
			e.enumerateNext(ctx, base, yield)
		case config.PaginationSitemap:
			e.enumerateSitemap(ctx, base, yield)
		default:
			e.enumerateQuery(ctx, base, yield)
		}
	}
}

// enumerateQuery requests page N by setting the page parameter.
func (e *Enumerator) enumerateQuery(ctx context.Context, base *url.URL, yield func(*Listing, error) bool) {
	first, err := e.fetchPage(ctx, base.String())
	if err != nil {
		yield(nil, discoveryFailed(ctx, base.String(), err))
		return
	}

	total := e.totalPages(first.doc)
	if e.maxPages > 0 && total > e.maxPages {
		total = e.maxPages
	}
	hint := max(total, 1)

	if !yield(first.listing(1, hint), nil) {
		return
	}
	prevHash := sha3.Sum256(first.body)

	param := e.pagination.Param
	if param == "" {
		param = "page"
	}

	for n := 2; ; n++ {
		if (total > 0 && n > total) || (e.maxPages > 0 && n > e.maxPages) {
			return
		}
		if err := e.wait(ctx); err != nil {
			yield(nil, err)
			return
		}

		pageURL := withPageParam(base, param, n)
		page, err := e.fetchPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if total == 0 {
				// Without a known page count a missing page marks the end.
				if isEndOfListing(err) {
					return
				}
				yield(failedListing(n, pageURL, n, err), nil)
				return
			}
			if !yield(failedListing(n, pageURL, hint, err), nil) {
				return
			}
			continue
		}

		if total == 0 {
			if page.doc.FindMatcher(e.itemSel).Length() == 0 {
				return
			}
			// Sites that clamp out-of-range pages serve the last page again.
			hash := sha3.Sum256(page.body)
			if hash == prevHash {
				return
			}
			prevHash = hash
			hint = n
		}

		if !yield(page.listing(n, hint), nil) {
			return
		}
	}
}

// enumerateNext follows the "next page" link until there is none.
func (e *Enumerator) enumerateNext(ctx context.Context, base *url.URL, yield func(*Listing, error) bool) {
	pageURL := base.String()
	visited := map[string]bool{normalizeURL(pageURL): true}

	for n := 1; ; n++ {
		if n > 1 {
			if err := e.wait(ctx); err != nil {
				yield(nil, err)
				return
			}
		}

		page, err := e.fetchPage(ctx, pageURL)
		if err != nil {
			switch {
			case n == 1:
				yield(nil, discoveryFailed(ctx, pageURL, err))
			case ctx.Err() != nil:
				yield(nil, ctx.Err())
			default:
				// The next link lives on the failed page, so the walk ends here.
				yield(failedListing(n, pageURL, n, err), nil)
			}
			return
		}

		next := e.nextPageURL(page)
		if next != "" && visited[normalizeURL(next)] {
			e.logger.Debug("pagination loop detected", "url", next)
			next = ""
		}
		if e.maxPages > 0 && n >= e.maxPages {
			next = ""
		}

		hint := n
		if next != "" {
			hint = n + 1
		}
		if !yield(page.listing(n, hint), nil) || next == "" {
			return
		}

		visited[normalizeURL(next)] = true
		pageURL = next
	}
}

// enumerateSitemap reads every listing page from a sitemap or sitemap index.
func (e *Enumerator) enumerateSitemap(ctx context.Context, base *url.URL, yield func(*Listing, error) bool) {
	locations, err := e.sitemapLocations(ctx, base.String())
	if err != nil {
		yield(nil, discoveryFailed(ctx, base.String(), err))
		return
	}
	if e.maxPages > 0 && len(locations) > e.maxPages {
		locations = locations[:e.maxPages]
	}

	total := len(locations)
	for i, loc := range locations {
		n := i + 1
		if n > 1 {
			if err := e.wait(ctx); err != nil {
				yield(nil, err)
				return
			}
		}

		page, err := e.fetchPage(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(failedListing(n, loc, total, err), nil) {
				return
			}
			continue
		}
		if !yield(page.listing(n, total), nil) {
			return
		}
	}
}

// discoveryFailed wraps err in a DiscoveryError unless ctx is done, in
// which case ctx.Err() is returned so that callers see a cancellation.
func discoveryFailed(ctx context.Context, pageURL string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &model.DiscoveryError{URL: pageURL, Err: err}
}

// sitemapDocument covers both <urlset> and <sitemapindex>.
type sitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapEntry `xml:"url"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

// sitemapLocations returns the page URLs of a sitemap. A sitemap index is
// expanded one level deep.
func (e *Enumerator) sitemapLocations(ctx context.Context, sitemapURL string) ([]string, error) {
	doc, err := e.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	locations := make([]string, 0, len(doc.URLs))
	add := func(entries []sitemapEntry) {
		for _, entry := range entries {
			loc := strings.TrimSpace(entry.Loc)
			if loc == "" || seen[loc] {
				continue
			}
			seen[loc] = true
			locations = append(locations, loc)
		}
	}

	if doc.XMLName.Local == "sitemapindex" {
		for _, child := range doc.Sitemaps {
			if e.maxPages > 0 && len(locations) >= e.maxPages {
				break
			}
			childDoc, err := e.fetchSitemap(ctx, strings.TrimSpace(child.Loc))
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Warn("skipping unreadable child sitemap", "url", child.Loc, "error", err)
				continue
			}
			add(childDoc.URLs)
		}
	} else {
		add(doc.URLs)
	}

	if len(locations) == 0 {
		return nil, ErrEmptySitemap
	}
	return locations, nil
}

func (e *Enumerator) fetchSitemap(ctx context.Context, sitemapURL string) (*sitemapDocument, error) {
	body, _, err := e.fetch(ctx, sitemapURL, "application/xml,text/xml;q=0.9,*/*;q=0.5")
	if err != nil {
		return nil, err
	}
	var doc sitemapDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a sitemap: %v", ErrUnexpectedContentType, err)
	}
	return &doc, nil
}

// fetchedPage is a fetched and parsed HTML page.
type fetchedPage struct {
	url         string
	body        []byte
	contentType string
	doc         *goquery.Document
}

func (p *fetchedPage) listing(pageNumber, totalHint int) *Listing {
	return &Listing{
		Page:        model.PageRef{PageNumber: pageNumber, URL: p.url},
		Body:        p.body,
		ContentType: p.contentType,
		TotalPages:  max(totalHint, pageNumber),
		doc:         p.doc,
	}
}

func failedListing(pageNumber int, pageURL string, totalHint int, err error) *Listing {
	ref := model.PageRef{PageNumber: pageNumber, URL: pageURL}
	return &Listing{
		Page:       ref,
		TotalPages: max(totalHint, pageNumber),
		Err:        &model.ExtractionError{Page: ref, Err: err},
	}
}

// fetchPage fetches an HTML page and parses it.
func (e *Enumerator) fetchPage(ctx context.Context, pageURL string) (*fetchedPage, error) {
	body, contentType, err := e.fetch(ctx, pageURL, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	if !isHTML(contentType, body) {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedContentType, contentType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	return &fetchedPage{url: pageURL, body: body, contentType: contentType, doc: doc}, nil
}

// fetch performs a GET and reads at most maxBodySize bytes.
func (e *Enumerator) fetch(ctx context.Context, pageURL, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	e.logger.Debug("fetched listing page", "url", pageURL, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodySize))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// wait applies the politeness delay.
func (e *Enumerator) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// digitsRe finds the numbers in a page counter such as "Page 1 of 12".
var digitsRe = regexp.MustCompile(`\d+`)

// totalPages reads the page count from the first page; 0 when unknown.
func (e *Enumerator) totalPages(doc *goquery.Document) int {
	if e.totalSel == nil {
		return 0
	}
	sel := doc.FindMatcher(e.totalSel).First()
	if sel.Length() == 0 {
		return 0
	}

	raw := strings.TrimSpace(sel.Text())
	if attr := e.pagination.TotalPagesAttr; attr != "" {
		if v, ok := sel.Attr(attr); ok {
			raw = v
		}
	}

	numbers := digitsRe.FindAllString(raw, -1)
	if len(numbers) == 0 {
		return 0
	}
	n, err := strconv.Atoi(numbers[len(numbers)-1])
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// nextPageURL resolves the href of the first element matching nextSelector.
func (e *Enumerator) nextPageURL(page *fetchedPage) string {
	href, ok := page.doc.FindMatcher(e.nextSel).First().Attr("href")
	if !ok {
		return ""
	}
	base, err := url.Parse(page.url)
	if err != nil {
		return ""
	}
	resolved := resolveHref(base, href)
	if resolved == nil {
		return ""
	}
	return resolved.String()
}

// parseSeed validates the seed URL and strips its fragment.
func parseSeed(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid seed URL %q: expected absolute http(s) URL", raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// withPageParam returns base with param=n set.
func withPageParam(base *url.URL, param string, n int) string {
	u := *base
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

// isEndOfListing reports whether err means the page does not exist.
func isEndOfListing(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone
}

// isHTML reports whether the response looks like an HTML document.
func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mediaType, "html")
}

// normalizeURL normalizes a URL for loop detection.
func normalizeURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// http://example.com and http://example.com/ are the same page
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}
