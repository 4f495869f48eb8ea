// Package scan coordinates a broken-link scan.
//
// A Coordinator walks the listing pages of a seed URL one at a time,
// extracts the items of each page and dispatches their links to a bounded
// pool of checkers. Check results flow back through a channel to a single
// aggregator, which is the only writer of the scan report besides the
// coordinating goroutine itself.
//
// # Lifecycle
//
//	Idle -> Enumerating -> Extracting -> Checking -> Completed
//	any non-terminal state -> Cancelled (cancellation)
//	any non-terminal state -> Failed (the listing could not be discovered)
//
// Page totals are added to the report before any link of the page is
// dispatched, so ScannedLinks never exceeds TotalLinks. On cancellation no
// further pages are fetched and no further links are dispatched; checks
// already in flight finish and are counted.
//
// # Usage
//
//	coord, err := scan.NewFromConfig(cfg, logger)
//	report, err := coord.Scan(ctx, "https://marketplace.example/apps")
package scan
