package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	// LinkChecksTotal counts finished link checks by outcome kind.
	LinkChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkscan_link_checks_total",
			Help: "Total number of link checks by final outcome.",
		},
		[]string{"outcome"},
	)

	// LinkCheckRetriesTotal counts retry attempts.
	LinkCheckRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "linkscan_link_check_retries_total",
			Help: "Total number of link check retries.",
		},
	)

	// LinkCheckDuration observes the time spent per link, backoff included.
	LinkCheckDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkscan_link_check_duration_seconds",
			Help:    "Time spent checking one link, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// InFlightChecks is the number of link checks currently running.
	InFlightChecks = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkscan_inflight_checks",
			Help: "Number of link checks in flight.",
		},
	)

	// PagesScannedTotal counts listing pages by extraction result.
	PagesScannedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkscan_pages_scanned_total",
			Help: "Total number of listing pages processed.",
		},
		[]string{"result"},
	)

	// ScansTotal counts scans by terminal state.
	ScansTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkscan_scans_total",
			Help: "Total number of scans by final state.",
		},
		[]string{"state"},
	)

	// HTTPClientRequestsTotal counts outbound requests.
	HTTPClientRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_requests_total",
			Help: "Total number of outbound HTTP requests.",
		},
		[]string{"method", "code"},
	)

	// HTTPClientRequestDuration observes outbound request latency.
	HTTPClientRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "Latency of outbound HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "code"},
	)

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Total number of HTTP API requests processed.",
		},
		[]string{"method", "route", "code"},
	)

	// HTTPRequestDuration observes API request latency.
	HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Latency of HTTP API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry holding every linkscan collector.
func Registry() *prometheus.Registry {
	return registry
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentRoundTripper wraps next with request counting and latency
// observation. A nil next wraps http.DefaultTransport.
func InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperDuration(
		HTTPClientRequestDuration,
		promhttp.InstrumentRoundTripperCounter(HTTPClientRequestsTotal, next),
	)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
