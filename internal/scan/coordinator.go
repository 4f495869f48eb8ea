package scan

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/linkscan/internal/crawler"
	"github.com/nao1215/linkscan/internal/metrics"
	"github.com/nao1215/linkscan/internal/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// defaultMaxConcurrency is the global budget of in-flight link checks.
const defaultMaxConcurrency = 16

// aggregateBatchSize bounds how many results are applied under one lock.
const aggregateBatchSize = 64

// PageEnumerator yields listing pages lazily.
type PageEnumerator interface {
	Enumerate(ctx context.Context, baseURL string) iter.Seq2[*crawler.Listing, error]
}

// ItemExtractor turns a listing page into items.
type ItemExtractor interface {
	Extract(ctx context.Context, listing *crawler.Listing) ([]model.Item, error)
}

// LinkChecker validates one link. It must return exactly one result and
// must not touch the scan report.
type LinkChecker interface {
	Check(ctx context.Context, link model.CandidateLink) model.LinkResult
}

// Reporter receives progress snapshots. Calls are serialized.
type Reporter interface {
	Report(progress model.ScanProgress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(progress model.ScanProgress)

// Report implements Reporter.
func (f ReporterFunc) Report(progress model.ScanProgress) {
	f(progress)
}

// Coordinator runs one scan at a time.
type Coordinator struct {
	enumerator PageEnumerator
	extractor  ItemExtractor
	checker    LinkChecker

	maxConcurrency int
	source         string
	reporter       Reporter
	logger         *slog.Logger
	newID          func() string
	now            func() time.Time

	mu      sync.Mutex
	current *Run
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrency sets the number of link checks in flight at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// WithReporter sets the progress sink.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) {
		c.reporter = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSource records the source template name in reports.
func WithSource(name string) Option {
	return func(c *Coordinator) {
		c.source = name
	}
}

// WithIDGenerator replaces the scan ID generator (UUIDv4 by default).
func WithIDGenerator(f func() string) Option {
	return func(c *Coordinator) {
		c.newID = f
	}
}

// New creates a Coordinator from its three collaborators.
func New(enumerator PageEnumerator, extractor ItemExtractor, checker LinkChecker, opts ...Option) *Coordinator {
	c := &Coordinator{
		enumerator:     enumerator,
		extractor:      extractor,
		checker:        checker,
		maxConcurrency: defaultMaxConcurrency,
		logger:         slog.New(slog.DiscardHandler),
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a scan of seedURL in the background.
// It fails with ErrScanInProgress unless the Coordinator is idle or its
// previous scan has finished. Cancelling ctx cancels the scan.
func (c *Coordinator) Start(ctx context.Context, seedURL string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.current.State().IsTerminal() {
		return nil, ErrScanInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(c.newID(), seedURL, c.source, cancel, c.reporter)
	c.current = run

	go c.execute(runCtx, run)

	return run, nil
}

// Scan runs a scan to the end and returns its final report. The error is
// the *model.DiscoveryError of a failed scan; a cancelled scan returns its
// partial report and no error.
func (c *Coordinator) Scan(ctx context.Context, seedURL string) (*model.ScanReport, error) {
	run, err := c.Start(ctx, seedURL)
	if err != nil {
		return nil, err
	}
	report := run.Wait()
	return report, run.Err()
}

// Current returns the most recent run, or nil.
func (c *Coordinator) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// execute is the coordinating goroutine of one run.
func (c *Coordinator) execute(ctx context.Context, run *Run) {
	defer run.cancel()

	logger := c.logger.With("scan_id", run.id, "seed", run.seedURL)
	logger.Info("scan started")

	run.transition(c.now(), model.ScanStateEnumerating)

	results := make(chan model.LinkResult, c.maxConcurrency)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		aggregate(run, results)
	}()

	failure, interrupted := c.dispatch(ctx, run, results, logger)

	close(results)
	<-aggregated

	state := model.ScanStateCompleted
	switch {
	case failure != nil:
		state = model.ScanStateFailed
	case interrupted:
		state = model.ScanStateCancelled
	}
	report := run.finish(c.now(), state, failure)

	metrics.ScansTotal.WithLabelValues(state.String()).Inc()
	logger.Info("scan finished",
		"state", state.String(),
		"pages", report.ScannedPages,
		"links", report.ScannedLinks,
		"total_links", report.TotalLinks,
		"broken", len(report.BrokenLinks),
		"elapsed", report.Duration(),
	)
}

// dispatch enumerates and extracts pages and hands links to the worker
// pool. It returns after every dispatched check has delivered its result.
func (c *Coordinator) dispatch(
	ctx context.Context,
	run *Run,
	results chan<- model.LinkResult,
	logger *slog.Logger,
) (failure *model.DiscoveryError, interrupted bool) {
	var g errgroup.Group
	slots := semaphore.NewWeighted(int64(c.maxConcurrency))

	failure, interrupted = c.walk(ctx, run, &g, slots, results, logger)
	if failure == nil && !interrupted {
		run.transition(c.now(), model.ScanStateChecking)
	}

	_ = g.Wait() //nolint:errcheck // workers never fail
	return failure, interrupted
}

// walk runs the page loop. Cancellation is observed between pages, between
// items (inside the extractor) and before every dispatch.
func (c *Coordinator) walk(
	ctx context.Context,
	run *Run,
	g *errgroup.Group,
	slots *semaphore.Weighted,
	results chan<- model.LinkResult,
	logger *slog.Logger,
) (*model.DiscoveryError, bool) {
	for listing, err := range c.enumerator.Enumerate(ctx, run.seedURL) {
		if err != nil {
			var failure *model.DiscoveryError
			switch {
			case ctx.Err() != nil:
				return nil, true
			case errors.As(err, &failure):
			default:
				failure = &model.DiscoveryError{URL: run.seedURL, Err: err}
			}
			logger.Error("listing discovery failed", "error", err)
			return failure, false
		}

		run.pageDiscovered(c.now(), listing.TotalPages)

		items, err := c.extractor.Extract(ctx, listing)
		if err != nil {
			if ctx.Err() != nil {
				return nil, true
			}
			logger.Warn("page skipped", "page", listing.Page.PageNumber, "url", listing.Page.URL, "error", err)
			metrics.PagesScannedTotal.WithLabelValues("extraction_error").Inc()
			run.pageFailed(err)
			continue
		}
		metrics.PagesScannedTotal.WithLabelValues("ok").Inc()

		// Totals first, so that no result can be counted before its link.
		run.pageExtracted(items)

		for _, item := range items {
			for _, link := range item.Links {
				if err := slots.Acquire(ctx, 1); err != nil {
					return nil, true
				}
				if ctx.Err() != nil {
					slots.Release(1)
					return nil, true
				}
				g.Go(func() error {
					defer slots.Release(1)
					results <- c.checker.Check(ctx, link)
					return nil
				})
			}
		}
	}

	return nil, ctx.Err() != nil
}

// aggregate applies results in batches. Results that arrive together are
// applied in discovery order.
func aggregate(run *Run, results <-chan model.LinkResult) {
	batch := make([]model.LinkResult, 0, aggregateBatchSize)
	for result := range results {
		batch = append(batch[:0], result)
	drain:
		for len(batch) < aggregateBatchSize {
			select {
			case r, ok := <-results:
				if !ok {
					break drain
				}
				batch = append(batch, r)
			default:
				break drain
			}
		}

		slices.SortStableFunc(batch, compareResults)
		run.record(batch)
	}
}

// compareResults orders results by (page, item, link).
func compareResults(a, b model.LinkResult) int {
	switch {
	case a.Link.Before(b.Link):
		return -1
	case b.Link.Before(a.Link):
		return 1
	default:
		return 0
	}
}
