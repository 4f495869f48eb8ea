// Package checker validates candidate links over HTTP.
//
// A check issues HEAD first and falls back to GET when the server rejects
// HEAD or answers it ambiguously. 2xx and 3xx within the redirect limit are
// healthy; 4xx and 5xx are broken. Network errors, timeouts and the transient
// statuses 429, 502, 503 and 504 are retried with exponential backoff and
// jitter.
//
// Concurrency against one host is capped by a weighted semaphore per host
// and optionally by a per-host token bucket. Concurrent checks of the same
// URL share one request chain.
//
// # Usage
//
//	c := checker.New(httpClient.NewCheckClient(5),
//	    checker.WithTimeout(10*time.Second),
//	    checker.WithMaxRetries(1),
//	)
//	result := c.Check(ctx, link)
package checker
