package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/linkscan/internal/model"
	"golang.org/x/sync/errgroup"
)

// BatchRunner scans several seeds concurrently. Every seed gets a fresh
// Coordinator from the factory, so scans share no state.
type BatchRunner struct {
	// factory creates the coordinator for one seed.
	factory func() (*Coordinator, error)

	// concurrency is the maximum number of concurrent scans.
	concurrency int

	logger *slog.Logger
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithBatchLogger sets the logger for batch-level messages.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchRunner) {
		b.logger = logger
	}
}

// WithBatchConcurrency sets the maximum number of concurrent scans.
func WithBatchConcurrency(n int) BatchOption {
	return func(b *BatchRunner) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewBatchRunner creates a BatchRunner.
func NewBatchRunner(factory func() (*Coordinator, error), opts ...BatchOption) *BatchRunner {
	b := &BatchRunner{
		factory:     factory,
		concurrency: 2,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run scans every seed and returns the reports in seed order.
// Seeds that never started because ctx was cancelled get a Cancelled report.
func (b *BatchRunner) Run(ctx context.Context, seeds []string) ([]*model.ScanReport, error) {
	reports := make([]*model.ScanReport, len(seeds))
	err := b.RunWithCallback(ctx, seeds, func(report *model.ScanReport, index int) {
		reports[index] = report
	})

	for i, report := range reports {
		if report == nil {
			reports[i] = notStarted(seeds[i])
		}
	}
	return reports, err
}

// RunWithCallback scans every seed and calls callback as each scan ends,
// in completion order. The callback runs on the scan's goroutine and must
// be safe for concurrent use when it touches shared state.
func (b *BatchRunner) RunWithCallback(
	ctx context.Context,
	seeds []string,
	callback func(report *model.ScanReport, index int),
) error {
	b.logger.Info("starting batch scan",
		"total_seeds", len(seeds),
		"concurrency", b.concurrency,
	)
	startTime := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, seed := range seeds {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			b.logger.Info("scanning seed", "seed", seed, "index", i+1, "total", len(seeds))

			coord, err := b.factory()
			if err != nil {
				report := model.NewScanReport(seed)
				report.State = model.ScanStateFailed
				report.FailureReason = err.Error()
				callback(report, i)
				return nil
			}

			// A failed seed is recorded in its report and does not stop the others.
			report, err := coord.Scan(ctx, seed)
			if err != nil && report == nil {
				report = model.NewScanReport(seed)
				report.State = model.ScanStateFailed
				report.FailureReason = err.Error()
			}
			if err != nil {
				b.logger.Warn("scan failed", "seed", seed, "error", err)
			}

			callback(report, i)
			return nil
		})
	}

	err := g.Wait()

	b.logger.Info("batch scan complete",
		"total_seeds", len(seeds),
		"elapsed", time.Since(startTime),
	)
	return err
}

func notStarted(seed string) *model.ScanReport {
	report := model.NewScanReport(seed)
	report.State = model.ScanStateCancelled
	return report
}
