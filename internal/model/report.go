package model

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// ScanState is the lifecycle state of a scan.
type ScanState int

const (
	// ScanStateIdle means no scan has started.
	ScanStateIdle ScanState = iota

	// ScanStateEnumerating means listing pages are being discovered.
	ScanStateEnumerating

	// ScanStateExtracting means a page is being turned into items.
	ScanStateExtracting

	// ScanStateChecking means links are being validated.
	ScanStateChecking

	// ScanStateCompleted means every discovered link was checked.
	ScanStateCompleted

	// ScanStateCancelled means the scan was stopped by the caller.
	ScanStateCancelled

	// ScanStateFailed means the listing could not be discovered.
	ScanStateFailed
)

// String returns the identifier of the state.
func (s ScanState) String() string {
	switch s {
	case ScanStateIdle:
		return "idle"
	case ScanStateEnumerating:
		return "enumerating"
	case ScanStateExtracting:
		return "extracting"
	case ScanStateChecking:
		return "checking"
	case ScanStateCompleted:
		return "completed"
	case ScanStateCancelled:
		return "cancelled"
	case ScanStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ScanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ScanState) UnmarshalText(text []byte) error {
	for st := ScanStateIdle; st <= ScanStateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scan state %q", text)
}

// IsTerminal reports whether the scan has finished.
func (s ScanState) IsTerminal() bool {
	return s == ScanStateCompleted || s == ScanStateCancelled || s == ScanStateFailed
}

// ScanReport holds aggregate state for one scan.
// Only the scan coordinator writes to it while a scan runs. After the scan
// ends the report is frozen and safe to share.
type ScanReport struct {
	// ID is an opaque identifier assigned by the caller (API server, database).
	ID string `json:"id,omitempty"`

	// SeedURL is the listing URL the scan started from.
	SeedURL string `json:"seed_url"`

	// Source is the source template used, e.g. "marketplace".
	Source string `json:"source,omitempty"`

	// State is the current lifecycle state.
	State ScanState `json:"state"`

	// FailureReason is set when State is ScanStateFailed.
	FailureReason string `json:"failure_reason,omitempty"`

	// StartedAt is when the scan started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the scan reached a terminal state.
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// TotalPages is the best known page count. It only grows.
	TotalPages int `json:"total_pages"`

	// ScannedPages is the number of pages fully extracted.
	ScannedPages int `json:"scanned_pages"`

	// TotalItems is the number of items found so far.
	TotalItems int `json:"total_items"`

	// ScannedItems is the number of items whose links were all checked.
	ScannedItems int `json:"scanned_items"`

	// TotalLinks is the number of candidate links found so far.
	TotalLinks int `json:"total_links"`

	// ScannedLinks is the number of links checked so far.
	ScannedLinks int `json:"scanned_links"`

	// BrokenLinks holds every non-OK result in discovery order.
	BrokenLinks []LinkResult `json:"broken_links"`

	// PageErrors lists pages that contributed no items because extraction failed.
	PageErrors []string `json:"page_errors,omitempty"`
}

// NewScanReport creates an empty report for the given seed.
func NewScanReport(seedURL string) *ScanReport {
	return &ScanReport{
		SeedURL:     seedURL,
		State:       ScanStateIdle,
		BrokenLinks: make([]LinkResult, 0),
	}
}

// HasBrokenLinks reports whether any broken link was recorded.
func (r *ScanReport) HasBrokenLinks() bool {
	return len(r.BrokenLinks) > 0
}

// Duration returns how long the scan ran, or has been running.
func (r *ScanReport) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy of the report.
func (r *ScanReport) Clone() *ScanReport {
	c := *r
	c.BrokenLinks = slices.Clone(r.BrokenLinks)
	c.PageErrors = slices.Clone(r.PageErrors)
	if c.BrokenLinks == nil {
		c.BrokenLinks = make([]LinkResult, 0)
	}
	return &c
}

// Progress returns a snapshot of the report counters.
func (r *ScanReport) Progress() ScanProgress {
	return ScanProgress{
		ScanID:        r.ID,
		SeedURL:       r.SeedURL,
		State:         r.State,
		FailureReason: r.FailureReason,
		TotalPages:    r.TotalPages,
		ScannedPages:  r.ScannedPages,
		TotalItems:    r.TotalItems,
		ScannedItems:  r.ScannedItems,
		TotalLinks:    r.TotalLinks,
		ScannedLinks:  r.ScannedLinks,
		BrokenCount:   len(r.BrokenLinks),
		Elapsed:       r.Duration(),
	}
}

// BrokenByLinkType counts broken links per link type.
func (r *ScanReport) BrokenByLinkType() map[LinkType]int {
	counts := make(map[LinkType]int)
	for _, b := range r.BrokenLinks {
		counts[b.Link.LinkType]++
	}
	return counts
}

// BrokenByStatusClass counts broken links per status class:
// "4xx", "5xx", "3xx", "network" and "timeout".
func (r *ScanReport) BrokenByStatusClass() map[string]int {
	counts := make(map[string]int)
	for _, b := range r.BrokenLinks {
		counts[StatusClass(b.Outcome)]++
	}
	return counts
}

// StatusClass groups an outcome into a coarse bucket for summaries.
func StatusClass(o Outcome) string {
	switch o.Kind {
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetworkError:
		return "network"
	}
	switch {
	case o.Status >= 500:
		return "5xx"
	case o.Status >= 400:
		return "4xx"
	case o.Status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Fingerprint returns a stable hash of the broken-link set.
// Two scans of unchanged content produce the same fingerprint regardless of
// the order in which checks completed.
func (r *ScanReport) Fingerprint() string {
	lines := make([]string, 0, len(r.BrokenLinks))
	for _, b := range r.BrokenLinks {
		lines = append(lines, b.Link.Key()+"|"+b.Outcome.Kind.String()+"|"+strconv.Itoa(b.Outcome.Status))
	}
	slices.Sort(lines)

	sum := sha3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ScanProgress is a read-only snapshot emitted on every state change.
type ScanProgress struct {
	ScanID        string        `json:"scan_id,omitempty"`
	SeedURL       string        `json:"seed_url"`
	State         ScanState     `json:"state"`
	FailureReason string        `json:"failure_reason,omitempty"`
	TotalPages    int           `json:"total_pages"`
	ScannedPages  int           `json:"scanned_pages"`
	TotalItems    int           `json:"total_items"`
	ScannedItems  int           `json:"scanned_items"`
	TotalLinks    int           `json:"total_links"`
	ScannedLinks  int           `json:"scanned_links"`
	BrokenCount   int           `json:"broken_count"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Percent returns link-check completion in the range [0, 100].
func (p ScanProgress) Percent() float64 {
	if p.TotalLinks == 0 {
		if p.State == ScanStateCompleted {
			return 100
		}
		return 0
	}
	return float64(p.ScannedLinks) * 100 / float64(p.TotalLinks)
}
