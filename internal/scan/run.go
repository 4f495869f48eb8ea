package scan

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nao1215/linkscan/internal/model"
)

// progressBuffer is the number of snapshots queued for the reporter.
const progressBuffer = 32

// itemKey identifies an item within a scan.
type itemKey struct {
	page, item int
}

// Run is the handle of one scan.
type Run struct {
	id      string
	seedURL string
	cancel  context.CancelFunc

	// mu guards report, pending and failure.
	mu      sync.Mutex
	report  *model.ScanReport
	pending map[itemKey]int
	failure error

	// emitMu keeps snapshots in the order they were taken.
	emitMu   sync.Mutex
	events   chan model.ScanProgress
	emitDone chan struct{}

	done chan struct{}
}

func newRun(id, seedURL, source string, cancel context.CancelFunc, reporter Reporter) *Run {
	report := model.NewScanReport(seedURL)
	report.ID = id
	report.Source = source

	r := &Run{
		id:       id,
		seedURL:  seedURL,
		cancel:   cancel,
		report:   report,
		pending:  make(map[itemKey]int),
		emitDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if reporter == nil {
		close(r.emitDone)
		return r
	}

	r.events = make(chan model.ScanProgress, progressBuffer)
	go func() {
		defer close(r.emitDone)
		for p := range r.events {
			reporter.Report(p)
		}
	}()
	return r
}

// ID returns the scan ID.
func (r *Run) ID() string {
	return r.id
}

// SeedURL returns the seed the scan started from.
func (r *Run) SeedURL() string {
	return r.seedURL
}

// State returns the current state.
func (r *Run) State() model.ScanState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.State
}

// Progress returns a snapshot of the counters.
func (r *Run) Progress() model.ScanProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Progress()
}

// Report returns a copy of the report as it is now. While the scan runs
// this is a partial report.
func (r *Run) Report() *model.ScanReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Clone()
}

// Cancel requests cancellation. It returns immediately; use Wait to obtain
// the partial report.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the scan reached a terminal state and the final
// progress snapshot was delivered.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the scan ends and returns the final report.
func (r *Run) Wait() *model.ScanReport {
	<-r.done
	return r.Report()
}

// Err returns the discovery error of a failed scan, nil otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// update applies fn to the report and publishes a snapshot. State changes
// are always delivered; counter updates are dropped when the reporter lags.
func (r *Run) update(fn func(report *model.ScanReport) (stateChanged bool)) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	changed := fn(r.report)
	snapshot := r.report.Progress()
	r.mu.Unlock()

	if r.events == nil {
		return
	}
	if changed {
		r.events <- snapshot
		return
	}
	select {
	case r.events <- snapshot:
	default:
	}
}

// transition moves the scan to state.
func (r *Run) transition(now time.Time, state model.ScanState) {
	r.update(func(report *model.ScanReport) bool {
		if report.State == state {
			return false
		}
		if report.StartedAt.IsZero() {
			report.StartedAt = now
		}
		report.State = state
		return true
	})
}

// pageDiscovered records a new listing page and its page count hint.
func (r *Run) pageDiscovered(now time.Time, totalHint int) {
	r.update(func(report *model.ScanReport) bool {
		report.TotalPages = max(report.TotalPages, totalHint)
		if report.State == model.ScanStateEnumerating {
			if report.StartedAt.IsZero() {
				report.StartedAt = now
			}
			report.State = model.ScanStateExtracting
			return true
		}
		return false
	})
}

// pageFailed records a page that contributed no items.
func (r *Run) pageFailed(err error) {
	r.update(func(report *model.ScanReport) bool {
		report.ScannedPages++
		report.PageErrors = append(report.PageErrors, err.Error())
		return false
	})
}

// pageExtracted adds the totals of a page before its links are dispatched.
func (r *Run) pageExtracted(items []model.Item) {
	r.update(func(report *model.ScanReport) bool {
		report.ScannedPages++
		report.TotalItems += len(items)
		for _, item := range items {
			report.TotalLinks += len(item.Links)
			if len(item.Links) == 0 {
				report.ScannedItems++
				continue
			}
			first := item.Links[0]
			r.pending[itemKey{page: first.PageNumber, item: first.ItemIndex}] += len(item.Links)
		}
		return false
	})
}

// record applies a batch of check results. Checks cancelled before their
// first request are not counted.
func (r *Run) record(batch []model.LinkResult) {
	r.update(func(report *model.ScanReport) bool {
		for _, result := range batch {
			if !result.Started() {
				continue
			}
			report.ScannedLinks++
			if result.IsBroken() {
				report.BrokenLinks = append(report.BrokenLinks, result)
			}

			key := itemKey{page: result.Link.PageNumber, item: result.Link.ItemIndex}
			if n, ok := r.pending[key]; ok {
				if n <= 1 {
					delete(r.pending, key)
					report.ScannedItems++
				} else {
					r.pending[key] = n - 1
				}
			}
		}
		return false
	})
}

// finish freezes the report in a terminal state and delivers the last
// snapshot before Done is closed.
func (r *Run) finish(now time.Time, state model.ScanState, failure *model.DiscoveryError) *model.ScanReport {
	r.update(func(report *model.ScanReport) bool {
		report.State = state
		report.FinishedAt = now
		if failure != nil {
			report.FailureReason = failure.Error()
			r.failure = failure
		}
		slices.SortStableFunc(report.BrokenLinks, compareResults)
		return true
	})

	if r.events != nil {
		close(r.events)
	}
	<-r.emitDone
	close(r.done)

	return r.Report()
}
