// Package model defines the core data structures used throughout linkscan.
//
// This package contains the following main types:
//   - PageRef: A listing page discovered by the enumerator
//   - Item: A listing entry (an app, a doc page) and its candidate links
//   - CandidateLink: A link awaiting validation
//   - LinkResult: The outcome of validating one candidate link
//   - ScanReport: Aggregate scan state, counters and broken links
//   - ScanProgress: A read-only snapshot of a ScanReport
//
// Models live in their own package so that crawler, checker, scan and report
// can share them without import cycles. All of them serialize to JSON for
// report output and database storage.
package model
