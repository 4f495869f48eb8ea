package scan

import (
	"fmt"
	"log/slog"

	"github.com/nao1215/linkscan/internal/checker"
	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/crawler"
	"github.com/nao1215/linkscan/internal/httpclient"
)

// NewFromConfig wires an enumerator, an extractor and a checker from cfg.
// Listing pages carry the source template's cookie and headers; link
// checks only carry the User-Agent.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.ValidateCheckSettings(); err != nil {
		return nil, err
	}
	tmpl, err := cfg.SourceTemplate()
	if err != nil {
		return nil, err
	}

	client, err := httpclient.New(cfg.Timeout,
		httpclient.WithProxy(cfg.ProxyURL),
		httpclient.WithMaxConnsPerHost(cfg.PerHostConcurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	pageClient := httpclient.WithHeaders(client.NewHTTPClient(), cfg.UserAgent, tmpl.Cookie, tmpl.Headers)
	checkClient := httpclient.WithHeaders(client.NewCheckClient(cfg.MaxRedirects), cfg.UserAgent, "", nil)

	enumerator, err := crawler.NewEnumerator(pageClient, tmpl,
		crawler.WithMaxPages(cfg.MaxPages),
		crawler.WithPageDelay(cfg.PageDelay),
		crawler.WithMaxBodySize(cfg.MaxBodySize),
		crawler.WithEnumeratorLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	extractor, err := crawler.NewExtractor(tmpl, cfg.AllowedLinkTypeSet())
	if err != nil {
		return nil, err
	}

	linkChecker := checker.New(checkClient,
		checker.WithTimeout(cfg.Timeout),
		checker.WithMaxRetries(cfg.MaxRetries),
		checker.WithBackoff(cfg.RetryBaseDelay, cfg.RetryFactor, cfg.RetryJitter),
		checker.WithPerHostConcurrency(cfg.PerHostConcurrency),
		checker.WithPerHostRate(cfg.PerHostRate),
		checker.WithLogger(logger),
	)

	base := []Option{
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithSource(cfg.Source),
		WithLogger(logger),
	}
	return New(enumerator, extractor, linkChecker, append(base, opts...)...), nil
}
