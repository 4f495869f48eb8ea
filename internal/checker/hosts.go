package checker

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// hostLimiter hands out per-host slots. Slots are created lazily and never
// removed; a scan touches a bounded set of hosts.
type hostLimiter struct {
	mu      sync.Mutex
	perHost int64
	rate    rate.Limit
	hosts   map[string]*hostSlot
}

type hostSlot struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func newHostLimiter(perHost int, perSecond float64) *hostLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &hostLimiter{
		perHost: int64(max(perHost, 1)),
		rate:    limit,
		hosts:   make(map[string]*hostSlot),
	}
}

func (h *hostLimiter) slot(host string) *hostSlot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.hosts[host]
	if !ok {
		s = &hostSlot{sem: semaphore.NewWeighted(h.perHost)}
		if h.rate != rate.Inf {
			s.limiter = rate.NewLimiter(h.rate, 1)
		}
		h.hosts[host] = s
	}
	return s
}

// acquire blocks until host has a free slot and, when a rate is set, a token.
func (h *hostLimiter) acquire(ctx context.Context, host string) (func(), error) {
	s := h.slot(host)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.sem.Release(1)
			return nil, err
		}
	}
	return func() { s.sem.Release(1) }, nil
}

// hostKey returns the lower-cased host:port used to bucket requests.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
