package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nao1215/linkscan/internal/metrics"
	"github.com/nao1215/linkscan/internal/model"
	"golang.org/x/sync/singleflight"
)

// Default check settings.
const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 1
	defaultBaseDelay  = 500 * time.Millisecond
	defaultFactor     = 2.0
	defaultJitter     = 0.2
	defaultMaxBackoff = 30 * time.Second
	defaultPerHost    = 4

	// maxDrainBytes is how much of a GET body is read before closing so the
	// connection can be reused.
	maxDrainBytes = 64 * 1024
)

// Checker validates links. It is safe for concurrent use.
type Checker struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	factor     float64
	jitter     float64
	maxBackoff time.Duration
	perHost    int
	rate       float64
	logger     *slog.Logger

	hosts *hostLimiter
	group singleflight.Group
	now   func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout sets the timeout of each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often transient failures are retried.
func WithMaxRetries(n int) Option {
	return func(c *Checker) {
		c.maxRetries = n
	}
}

// WithBackoff sets the retry backoff: base delay, growth factor and the
// +/- jitter fraction.
func WithBackoff(base time.Duration, factor, jitter float64) Option {
	return func(c *Checker) {
		c.baseDelay = base
		c.factor = factor
		c.jitter = jitter
	}
}

// WithMaxBackoff caps a single backoff, Retry-After included.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Checker) {
		c.maxBackoff = d
	}
}

// WithPerHostConcurrency caps in-flight requests per host.
func WithPerHostConcurrency(n int) Option {
	return func(c *Checker) {
		c.perHost = n
	}
}

// WithPerHostRate limits requests per second per host. 0 disables it.
func WithPerHostRate(perSecond float64) Option {
	return func(c *Checker) {
		c.rate = perSecond
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// New creates a Checker that sends requests with client. The client should
// come from httpclient.Client.NewCheckClient so that redirects beyond the
// limit surface as 3xx responses.
func New(client *http.Client, opts ...Option) *Checker {
	c := &Checker{
		client:     client,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		factor:     defaultFactor,
		jitter:     defaultJitter,
		maxBackoff: defaultMaxBackoff,
		perHost:    defaultPerHost,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hosts = newHostLimiter(c.perHost, c.rate)
	return c
}

// chain is the shared result of checking one URL.
type chain struct {
	outcome  model.Outcome
	attempts int
	at       time.Time
}

// Check validates link and returns exactly one result for it.
//
// Waiting for a host slot observes ctx. Once a slot is held the request
// chain runs to completion even if ctx is cancelled; cancellation then only
// prevents further retries and the outcome is that of the last finished
// attempt. A check cancelled before its first request reports Attempts 0.
func (c *Checker) Check(ctx context.Context, link model.CandidateLink) model.LinkResult {
	start := c.now()

	metrics.InFlightChecks.Inc()
	defer metrics.InFlightChecks.Dec()

	v, _, _ := c.group.Do(link.URL, func() (any, error) {
		return c.checkURL(ctx, link.URL), nil
	})
	ch, _ := v.(chain) //nolint:errcheck // the group only stores chain values

	elapsed := c.now().Sub(start)
	if ch.attempts > 0 {
		metrics.LinkChecksTotal.WithLabelValues(ch.outcome.Kind.String()).Inc()
		metrics.LinkCheckDuration.WithLabelValues(ch.outcome.Kind.String()).Observe(elapsed.Seconds())
	}

	return model.LinkResult{
		Link:      link,
		Outcome:   ch.outcome,
		Attempts:  ch.attempts,
		Elapsed:   elapsed,
		CheckedAt: ch.at,
	}
}

func (c *Checker) checkURL(ctx context.Context, rawURL string) chain {
	host := hostKey(rawURL)
	work := context.WithoutCancel(ctx)

	var last chain
	for attempt := 1; ; attempt++ {
		release, err := c.hosts.acquire(ctx, host)
		if err != nil {
			if last.attempts == 0 {
				last = chain{outcome: model.NetworkError(err.Error()), at: c.now()}
			}
			return last
		}
		outcome, retryAfter := c.attemptOnce(work, rawURL)
		release()
		last = chain{outcome: outcome, attempts: attempt, at: c.now()}

		if !isRetryable(outcome) || attempt > c.maxRetries {
			return last
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			delay = min(retryAfter, c.maxBackoff)
		}

		c.logger.Debug("retrying link check",
			"url", rawURL,
			"attempt", attempt,
			"outcome", outcome.String(),
			"delay", delay)

		if err := sleep(ctx, delay); err != nil {
			return last
		}
		metrics.LinkCheckRetriesTotal.Inc()
	}
}

// attemptOnce runs one HEAD (+ GET fallback) chain. The caller holds the
// host slot.
func (c *Checker) attemptOnce(ctx context.Context, rawURL string) (model.Outcome, time.Duration) {
	resp, err := c.request(ctx, http.MethodHead, rawURL)
	if err != nil {
		if outcome, final := classifyError(err); final {
			return outcome, 0
		}
		// HEAD failed at the protocol level; the server may still serve GET.
		resp, err = c.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			outcome, _ := classifyError(err)
			return outcome, 0
		}
	} else if needsGetFallback(resp.StatusCode) {
		closeBody(resp)
		resp, err = c.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			outcome, _ := classifyError(err)
			return outcome, 0
		}
	}
	defer closeBody(resp)

	return classifyResponse(resp), retryAfter(resp, c.now())
}

// request sends one request bounded by the per-request timeout. The body
// is drained by the returned response's closer.
func (c *Checker) request(ctx context.Context, method, rawURL string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

// needsGetFallback reports whether a HEAD status is not trusted.
func needsGetFallback(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	default:
		return false
	}
}

// classifyResponse maps a final response to an outcome. A 3xx that still
// carries a Location header means the redirect limit was hit.
func classifyResponse(resp *http.Response) model.Outcome {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return model.OK(status)
	case status >= 300 && status < 400:
		if resp.Header.Get("Location") != "" {
			return model.Broken(status, "too many redirects")
		}
		return model.OK(status)
	case status >= 400:
		return model.Broken(status, "")
	default:
		return model.OK(status)
	}
}

// classifyError maps a transport error to an outcome. final reports whether
// the error is a network failure that a GET retry cannot fix.
func classifyError(err error) (outcome model.Outcome, final bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Timeout(), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Timeout(), true
	}

	var (
		dnsErr     *net.DNSError
		opErr      *net.OpError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		recordErr  tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &dnsErr):
		return model.NetworkError("dns: " + dnsErr.Err), true
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return model.NetworkError("tls: " + err.Error()), true
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return model.NetworkError(opErr.Error()), true
	}

	return model.NetworkError(err.Error()), false
}

// isRetryable reports whether another attempt may change the outcome.
func isRetryable(o model.Outcome) bool {
	switch o.Kind {
	case model.OutcomeNetworkError, model.OutcomeTimeout:
		return true
	case model.OutcomeBroken:
		switch o.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// backoff returns the delay before retry number n (1-based):
// base * factor^(n-1), scaled by a random factor in [1-jitter, 1+jitter].
func (c *Checker) backoff(n int) time.Duration {
	d := float64(c.baseDelay) * math.Pow(c.factor, float64(n-1))
	if c.jitter > 0 {
		d *= 1 + c.jitter*(2*rand.Float64()-1) //nolint:gosec // jitter needs no cryptographic randomness
	}
	return min(time.Duration(d), c.maxBackoff)
}

// retryAfter parses the Retry-After header of 429 and 503 responses.
func retryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
