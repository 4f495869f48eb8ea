// Package httpclient builds the HTTP clients used to fetch listing pages and
// check links: optional HTTP or SOCKS5 proxying, a bounded redirect policy,
// per-source cookies and headers, and Prometheus instrumentation.
package httpclient
