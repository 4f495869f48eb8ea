package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/nao1215/linkscan/internal/metrics"
	"golang.org/x/net/proxy"
)

// checkProxyTimeout bounds the SOCKS5 handshake in CheckConnection.
const checkProxyTimeout = 2 * time.Second

// pageRedirectLimit is the redirect limit for listing page fetches.
const pageRedirectLimit = 10

// SOCKS5 protocol constants
const (
	socks5Version      = 0x05
	socks5AuthNone     = 0x00
	socks5AuthNoAccept = 0xFF
)

// Client builds http.Clients that share one transport.
// The zero value is not usable; call New.
type Client struct {
	// proxyURL is the configured proxy, nil for direct connections.
	proxyURL *url.URL

	// dialer is set for SOCKS5 proxies.
	dialer proxy.Dialer

	// timeout bounds page fetches. Link checks use per-attempt contexts.
	timeout time.Duration

	// maxConnsPerHost sizes the idle pool per host.
	maxConnsPerHost int

	// transport is shared by every client built from this Client.
	transport http.RoundTripper
}

// Option configures a Client.
type Option func(*Client) error

// WithProxy routes all traffic through the given proxy URL.
// An empty string keeps direct connections.
func WithProxy(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return ErrInvalidProxyURL
		}
		switch u.Scheme {
		case "http", "https":
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: password}
			}
			d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
			if err != nil {
				return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			c.dialer = d
		default:
			return ErrUnsupportedProxyScheme
		}
		c.proxyURL = u
		return nil
	}
}

// WithMaxConnsPerHost sizes the idle connection pool per host.
func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) error {
		if n > 0 {
			c.maxConnsPerHost = n
		}
		return nil
	}
}

// WithTransport replaces the base transport. Used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) error {
		c.transport = rt
		return nil
	}
}

// New creates a Client. The timeout applies to listing page fetches.
func New(timeout time.Duration, opts ...Option) (*Client, error) {
	c := &Client{
		timeout:         timeout,
		maxConnsPerHost: 4,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.transport == nil {
		c.transport = c.newTransport()
	}
	c.transport = metrics.InstrumentRoundTripper(c.transport)

	return c, nil
}

// newTransport builds the base transport with proxy settings applied.
func (c *Client) newTransport() *http.Transport {
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   c.maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   c.timeout,
		ResponseHeaderTimeout: c.timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	switch {
	case c.dialer != nil:
		if cd, ok := c.dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return c.dialer.Dial(network, addr)
			}
		}
	case c.proxyURL != nil:
		transport.Proxy = http.ProxyURL(c.proxyURL)
	default:
		transport.Proxy = http.ProxyFromEnvironment
	}

	return transport
}

// ProxyURL returns the configured proxy, or nil.
func (c *Client) ProxyURL() *url.URL {
	return c.proxyURL
}

// NewHTTPClient creates a client for listing page fetches.
// It keeps cookies across pages and follows up to 10 redirects.
func (c *Client) NewHTTPClient() *http.Client {
	jar, _ := cookiejar.New(nil) //nolint:errcheck // cookiejar.New only fails with invalid options

	return &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
		Jar:       jar,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= pageRedirectLimit {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// NewCheckClient creates a client for link checks.
// It follows at most maxRedirects redirects; beyond that the last 3xx
// response is returned as is so the caller can classify it. The client has
// no overall timeout: callers bound each attempt with a context.
func (c *Client) NewCheckClient(maxRedirects int) *http.Client {
	return &http.Client{
		Transport: c.transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// WithHeaders wraps client so every request carries the given cookie and
// headers, redirects included.
func WithHeaders(client *http.Client, userAgent, cookie string, headers map[string]string) *http.Client {
	wrapped := *client
	wrapped.Transport = &headerInjectingTransport{
		base:      client.Transport,
		userAgent: userAgent,
		cookie:    cookie,
		headers:   headers,
	}
	return &wrapped
}

// headerInjectingTransport wraps an http.RoundTripper to inject
// the User-Agent, custom headers and cookies into every request.
type headerInjectingTransport struct {
	base      http.RoundTripper
	userAgent string
	cookie    string
	headers   map[string]string
}

// RoundTrip implements http.RoundTripper.
func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if t.userAgent != "" && clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", t.userAgent)
	}

	if t.cookie != "" {
		if existing := clone.Header.Get("Cookie"); existing != "" {
			clone.Header.Set("Cookie", existing+"; "+t.cookie)
		} else {
			clone.Header.Set("Cookie", t.cookie)
		}
	}

	for key, value := range t.headers {
		clone.Header.Set(key, value)
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// CheckConnection verifies that a configured SOCKS5 proxy is reachable and
// speaks the protocol without requiring unsupported authentication.
// HTTP proxies and direct connections always report ProxyStatusOK.
func (c *Client) CheckConnection(ctx context.Context) ProxyStatus {
	if c.dialer == nil || c.proxyURL == nil {
		return ProxyStatusOK
	}

	ctx, cancel := context.WithTimeout(ctx, checkProxyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.proxyURL.Host)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(checkProxyTimeout)); err != nil {
		return ProxyStatusCannotConnect
	}

	// Version negotiation: version, one method, no-auth or user/pass.
	methods := []byte{socks5Version, 0x01, socks5AuthNone}
	if c.proxyURL.User != nil {
		methods = []byte{socks5Version, 0x02, socks5AuthNone, 0x02}
	}
	if _, err := conn.Write(methods); err != nil {
		return ProxyStatusCannotConnect
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ProxyStatusTimeout
		}
		return ProxyStatusWrongType
	}

	if resp[0] != socks5Version || resp[1] == socks5AuthNoAccept {
		return ProxyStatusWrongType
	}

	return ProxyStatusOK
}
