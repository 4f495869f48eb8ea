package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/database"
	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/linkscan/internal/report"
	"github.com/nao1215/markdown"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
)

// Trend directions.
const (
	trendWorsened  = "worsened"
	trendImproved  = "improved"
	trendUnchanged = "unchanged"
)

// NewCompareCmd creates the compare command.
func NewCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare [seed-url]",
		Short: "Compare scan results with historical data",
		Long: `Compare shows how the broken links of a listing changed between scans.

It reports:
- Links that became broken since the previous scan
- Links that were fixed
- Links that are still broken but now fail differently

The comparison needs at least two stored scans of the same seed URL. Use
'linkscan scan' to perform scans; results are saved automatically.

Examples:
  # Compare the latest two scans of a listing
  linkscan compare https://marketplace.example.com/apps

  # List the scan history of a listing
  linkscan compare --list https://marketplace.example.com/apps

  # Compare the latest scan with a specific stored scan
  linkscan compare --with-scan-id 5 https://marketplace.example.com/apps

  # Compare with the first scan since a date
  linkscan compare --since 2026-01-01 https://marketplace.example.com/apps

  # Show every scan in which one link was broken
  linkscan compare --link https://vendor.example.com/docs

  # List every seed URL in the database
  linkscan compare --list-seeds`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCompareCmd,
	}

	// History listing flags
	cmd.Flags().BoolP("list", "l", false,
		"List scan history for the specified seed URL")
	cmd.Flags().BoolP("list-seeds", "L", false,
		"List all scanned seed URLs in the database")
	cmd.Flags().String("link", "",
		"List the stored scans in which this link URL was broken")

	// Comparison target flags
	cmd.Flags().Int64P("with-scan-id", "i", 0,
		"Compare with a specific scan by ID (use --list to see available IDs)")
	cmd.Flags().StringP("since", "s", "",
		"Compare with the first scan on or after this date (format: YYYY-MM-DD)")

	// Output format flags
	cmd.Flags().BoolP("json", "j", false,
		"Output comparison result in JSON format")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output comparison result in Markdown format")
	cmd.MarkFlagsMutuallyExclusive("json", "markdown")

	return cmd
}

// compareOptions are the parsed flags of the compare command.
type compareOptions struct {
	withScanID int64
	since      string
	json       bool
	markdown   bool
}

func runCompareCmd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	listSeeds, err := flags.GetBool("list-seeds")
	if err != nil {
		return err
	}
	linkURL, err := flags.GetString("link")
	if err != nil {
		return err
	}

	// Validate arguments before opening the database.
	var seed string
	if !listSeeds && linkURL == "" {
		if len(args) == 0 {
			return errors.New("seed URL is required (use --list-seeds to see available seeds)")
		}
		seed = args[0]
		if !config.IsValidTarget(seed) {
			return fmt.Errorf("invalid seed URL: %s", seed)
		}
	}

	dbDir, err := resolveDBDir()
	if err != nil {
		return err
	}
	db, err := database.Open(dbDir, database.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch {
	case listSeeds:
		return listScannedSeeds(ctx, db, out)
	case linkURL != "":
		return listLinkHistory(ctx, db, linkURL, out)
	}

	listHistory, err := flags.GetBool("list")
	if err != nil {
		return err
	}
	if listHistory {
		return listScanHistory(ctx, db, seed, out)
	}

	var opts compareOptions
	if opts.withScanID, err = flags.GetInt64("with-scan-id"); err != nil {
		return err
	}
	if opts.since, err = flags.GetString("since"); err != nil {
		return err
	}
	if opts.json, err = flags.GetBool("json"); err != nil {
		return err
	}
	if opts.markdown, err = flags.GetBool("markdown"); err != nil {
		return err
	}

	return runComparison(ctx, db, seed, opts, out)
}

// resolveDBDir returns the history database directory, honouring
// LINKSCAN_DB_DIR (also from .env).
func resolveDBDir() (string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return "", err
	}
	cfg := config.NewConfig()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return "", err
	}
	return cfg.DBDir, nil
}

func listScannedSeeds(ctx context.Context, db *database.ScanDB, out io.Writer) error {
	seeds, err := db.ListScannedSeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list seeds: %w", err)
	}

	if len(seeds) == 0 {
		fmt.Fprintln(out, "No scanned seeds found in the database.")
		fmt.Fprintln(out, "\nUse 'linkscan scan <seed-url>' to scan a listing.")
		return nil
	}

	fmt.Fprintf(out, "Scanned seeds (%d):\n\n", len(seeds))
	for _, seed := range seeds {
		fmt.Fprintf(out, "  • %s\n", seed)
	}
	fmt.Fprintln(out, "\nUse 'linkscan compare --list <seed-url>' to see the scan history of a seed.")
	return nil
}

func listScanHistory(ctx context.Context, db *database.ScanDB, seed string, out io.Writer) error {
	history, err := db.GetScanHistoryWithMetadata(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to get scan history: %w", err)
	}

	if len(history) == 0 {
		fmt.Fprintf(out, "No scan history found for %s\n", seed)
		fmt.Fprintln(out, "\nUse 'linkscan scan' to scan this listing.")
		return nil
	}

	fmt.Fprintf(out, "Scan history for %s (%d scans):\n\n", seed, len(history))
	tbl := table.New("ID", "Date", "State", "Links", "Broken").WithWriter(out).WithPadding(2)
	for _, meta := range history {
		tbl.AddRow(
			meta.ID,
			meta.Timestamp.Format("2006-01-02 15:04:05"),
			meta.State,
			fmt.Sprintf("%d/%d", meta.ScannedLinks, meta.TotalLinks),
			meta.BrokenCount,
		)
	}
	tbl.Print()

	fmt.Fprintln(out, "\nUse 'linkscan compare <seed-url>' to compare the latest two scans.")
	fmt.Fprintln(out, "Use 'linkscan compare --with-scan-id <id> <seed-url>' to compare with a specific scan.")
	return nil
}

func listLinkHistory(ctx context.Context, db *database.ScanDB, linkURL string, out io.Writer) error {
	records, err := db.BrokenLinkHistory(ctx, linkURL)
	if err != nil {
		return fmt.Errorf("failed to get link history: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintf(out, "%s was not broken in any stored scan.\n", linkURL)
		return nil
	}

	fmt.Fprintf(out, "%s was broken in %d scan(s):\n\n", linkURL, len(records))
	tbl := table.New("Scan", "Date", "Seed", "App", "Status").WithWriter(out).WithPadding(2)
	for _, rec := range records {
		status := rec.Outcome
		if rec.Status > 0 {
			status = strconv.Itoa(rec.Status) + " " + rec.Reason
		}
		tbl.AddRow(
			rec.ReportID,
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.SeedURL,
			rec.AppName,
			status,
		)
	}
	tbl.Print()
	return nil
}

// runComparison selects the two reports and prints their difference.
func runComparison(ctx context.Context, db *database.ScanDB, seed string, opts compareOptions, out io.Writer) error {
	reports, err := db.GetScanHistory(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to get scan history: %w", err)
	}

	if len(reports) == 0 {
		return fmt.Errorf("no scan history found for %s", seed)
	}
	if len(reports) < 2 && opts.withScanID == 0 && opts.since == "" {
		return fmt.Errorf("at least 2 scans are required for comparison (found %d)", len(reports))
	}

	// History is newest first; the latest scan is always the current one.
	current := reports[0]
	var previous *model.ScanReport

	switch {
	case opts.withScanID > 0:
		previous, err = db.GetScanReportByID(ctx, opts.withScanID)
		if err != nil {
			return fmt.Errorf("failed to get scan with ID %d: %w", opts.withScanID, err)
		}
		if previous == nil {
			return fmt.Errorf("scan with ID %d not found", opts.withScanID)
		}
		if previous.SeedURL != seed {
			return fmt.Errorf("scan ID %d belongs to %s, not %s", opts.withScanID, previous.SeedURL, seed)
		}
	case opts.since != "":
		sinceDate, err := time.Parse(time.DateOnly, opts.since)
		if err != nil {
			return fmt.Errorf("invalid date format (use YYYY-MM-DD): %w", err)
		}
		// Oldest scan on or after the date.
		for i := len(reports) - 1; i >= 0; i-- {
			if !scanTime(reports[i]).Before(sinceDate) {
				previous = reports[i]
				break
			}
		}
		if previous == nil {
			return fmt.Errorf("no scans found since %s", opts.since)
		}
		if previous == current {
			return fmt.Errorf("only one scan found since %s; at least 2 scans are required for comparison", opts.since)
		}
	default:
		previous = reports[1]
	}

	result := compareReports(previous, current)

	switch {
	case opts.json:
		_, err := report.NewJSONWriter(out, report.WithPrettyPrint()).WriteValue(result)
		return err
	case opts.markdown:
		return outputComparisonMarkdown(result, out)
	default:
		return outputComparisonText(result, out)
	}
}

// scanTime is the time a stored scan is filed under.
func scanTime(r *model.ScanReport) time.Time {
	if !r.FinishedAt.IsZero() {
		return r.FinishedAt
	}
	return r.StartedAt
}

// ComparisonResult holds the difference between two scans of one seed.
type ComparisonResult struct {
	// SeedURL is the listing both scans started from.
	SeedURL string `json:"seed_url"`

	PreviousScan ScanMetadata `json:"previous_scan"`
	CurrentScan  ScanMetadata `json:"current_scan"`

	// NewlyBroken are links broken now that were not broken before.
	NewlyBroken []model.LinkResult `json:"newly_broken,omitempty"`

	// Fixed are links broken before that are no longer reported.
	// A cancelled current scan may simply not have reached them.
	Fixed []model.LinkResult `json:"fixed,omitempty"`

	// Changed are links broken in both scans with a different outcome.
	Changed []OutcomeChange `json:"changed,omitempty"`

	// UnchangedCount is the number of links broken the same way in both scans.
	UnchangedCount int `json:"unchanged_count"`

	Trend Trend `json:"trend"`
}

// ScanMetadata describes one side of a comparison.
type ScanMetadata struct {
	ScanID       string          `json:"scan_id,omitempty"`
	DateScanned  time.Time       `json:"date_scanned"`
	State        model.ScanState `json:"state"`
	TotalLinks   int             `json:"total_links"`
	ScannedLinks int             `json:"scanned_links"`
	BrokenCount  int             `json:"broken_count"`
	Fingerprint  string          `json:"fingerprint"`
}

// OutcomeChange is a link that stayed broken but fails differently.
type OutcomeChange struct {
	Link     model.CandidateLink `json:"link"`
	Previous model.Outcome       `json:"previous"`
	Current  model.Outcome       `json:"current"`
}

// Trend summarizes the change in broken links.
type Trend struct {
	// Direction is "improved", "worsened", or "unchanged".
	Direction string `json:"direction"`

	// BrokenDelta is current minus previous broken links.
	BrokenDelta int `json:"broken_delta"`
}

func newScanMetadata(r *model.ScanReport) ScanMetadata {
	return ScanMetadata{
		ScanID:       r.ID,
		DateScanned:  scanTime(r),
		State:        r.State,
		TotalLinks:   r.TotalLinks,
		ScannedLinks: r.ScannedLinks,
		BrokenCount:  len(r.BrokenLinks),
		Fingerprint:  r.Fingerprint(),
	}
}

// compareReports diffs the broken links of two reports. Results keep the
// discovery order of the report they come from.
func compareReports(previous, current *model.ScanReport) *ComparisonResult {
	result := &ComparisonResult{
		SeedURL:      current.SeedURL,
		PreviousScan: newScanMetadata(previous),
		CurrentScan:  newScanMetadata(current),
	}

	before := make(map[string]model.LinkResult, len(previous.BrokenLinks))
	for _, b := range previous.BrokenLinks {
		before[b.Link.Key()] = b
	}
	now := make(map[string]bool, len(current.BrokenLinks))

	for _, b := range current.BrokenLinks {
		key := b.Link.Key()
		now[key] = true

		old, ok := before[key]
		switch {
		case !ok:
			result.NewlyBroken = append(result.NewlyBroken, b)
		case old.Outcome.Kind != b.Outcome.Kind || old.Outcome.Status != b.Outcome.Status:
			result.Changed = append(result.Changed, OutcomeChange{
				Link:     b.Link,
				Previous: old.Outcome,
				Current:  b.Outcome,
			})
		default:
			result.UnchangedCount++
		}
	}

	for _, b := range previous.BrokenLinks {
		if !now[b.Link.Key()] {
			result.Fixed = append(result.Fixed, b)
		}
	}

	delta := len(current.BrokenLinks) - len(previous.BrokenLinks)
	result.Trend = Trend{Direction: trendUnchanged, BrokenDelta: delta}
	switch {
	case delta > 0 || (delta == 0 && len(result.NewlyBroken) > 0):
		result.Trend.Direction = trendWorsened
	case delta < 0:
		result.Trend.Direction = trendImproved
	}

	return result
}

// trendLabel renders the trend with an arrow.
func trendLabel(t Trend) string {
	switch t.Direction {
	case trendWorsened:
		return fmt.Sprintf("↑ worsened (%+d broken)", t.BrokenDelta)
	case trendImproved:
		return fmt.Sprintf("↓ improved (%+d broken)", t.BrokenDelta)
	default:
		return "→ unchanged"
	}
}

func outputComparisonText(result *ComparisonResult, out io.Writer) error {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 70) + "\n")
	sb.WriteString("  LINKSCAN COMPARISON\n")
	sb.WriteString(strings.Repeat("=", 70) + "\n\n")

	fmt.Fprintf(&sb, "Seed:     %s\n", result.SeedURL)
	fmt.Fprintf(&sb, "Previous: %s  %-10s broken %d\n",
		result.PreviousScan.DateScanned.Format("2006-01-02 15:04:05"),
		result.PreviousScan.State, result.PreviousScan.BrokenCount)
	fmt.Fprintf(&sb, "Current:  %s  %-10s broken %d\n",
		result.CurrentScan.DateScanned.Format("2006-01-02 15:04:05"),
		result.CurrentScan.State, result.CurrentScan.BrokenCount)
	fmt.Fprintf(&sb, "Trend:    %s\n\n", trendLabel(result.Trend))

	writeLinkSection(&sb, "NEWLY BROKEN", result.NewlyBroken)
	writeLinkSection(&sb, "FIXED", result.Fixed)

	if len(result.Changed) > 0 {
		fmt.Fprintf(&sb, "CHANGED (%d)\n", len(result.Changed))
		tbl := table.New("App", "Type", "Before", "Now", "URL").WithWriter(&sb).WithPadding(2)
		for _, c := range result.Changed {
			tbl.AddRow(c.Link.AppName, c.Link.LinkType.Label(), c.Previous.String(), c.Current.String(), c.Link.URL)
		}
		tbl.Print()
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Unchanged broken links: %d\n", result.UnchangedCount)
	if result.CurrentScan.State == model.ScanStateCancelled {
		sb.WriteString("Note: the current scan was cancelled; \"fixed\" links may not have been checked.\n")
	}

	_, err := io.WriteString(out, sb.String())
	return err
}

func writeLinkSection(sb *strings.Builder, title string, results []model.LinkResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s (%d)\n", title, len(results))
	tbl := table.New("Page", "App", "Type", "Status", "URL").WithWriter(sb).WithPadding(2)
	for _, r := range results {
		tbl.AddRow(r.Link.PageNumber, r.Link.AppName, r.Link.LinkType.Label(), r.Outcome.String(), r.Link.URL)
	}
	tbl.Print()
	sb.WriteString("\n")
}

func outputComparisonMarkdown(result *ComparisonResult, out io.Writer) error {
	md := markdown.NewMarkdown(out)

	md.H1("Linkscan Comparison")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"", "Previous", "Current"},
		Rows: [][]string{
			{"Date", result.PreviousScan.DateScanned.Format("2006-01-02 15:04"), result.CurrentScan.DateScanned.Format("2006-01-02 15:04")},
			{"State", result.PreviousScan.State.String(), result.CurrentScan.State.String()},
			{"Links", strconv.Itoa(result.PreviousScan.ScannedLinks), strconv.Itoa(result.CurrentScan.ScannedLinks)},
			{"Broken", strconv.Itoa(result.PreviousScan.BrokenCount), strconv.Itoa(result.CurrentScan.BrokenCount)},
		},
	})
	md.PlainText("")

	switch result.Trend.Direction {
	case trendWorsened:
		md.Warningf("%d link(s) became broken since the previous scan.", len(result.NewlyBroken))
	case trendImproved:
		md.Tip(fmt.Sprintf("%d link(s) were fixed since the previous scan.", len(result.Fixed)))
	default:
		md.Note("The set of broken links did not grow.")
	}
	md.PlainText("")

	writeMarkdownLinks(md, "Newly Broken", result.NewlyBroken)
	writeMarkdownLinks(md, "Fixed", result.Fixed)

	if len(result.Changed) > 0 {
		md.H2("Changed")
		md.PlainText("")
		rows := make([][]string, len(result.Changed))
		for i, c := range result.Changed {
			rows[i] = []string{c.Link.AppName, c.Previous.String(), c.Current.String(), "`" + c.Link.URL + "`"}
		}
		md.Table(markdown.TableSet{Header: []string{"App", "Before", "Now", "URL"}, Rows: rows})
		md.PlainText("")
	}

	return md.Build()
}

func writeMarkdownLinks(md *markdown.Markdown, title string, results []model.LinkResult) {
	if len(results) == 0 {
		return
	}
	md.H2(title)
	md.PlainText("")
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = []string{r.Link.AppName, r.Link.LinkType.Label(), r.Outcome.String(), "`" + r.Link.URL + "`"}
	}
	md.Table(markdown.TableSet{Header: []string{"App", "Type", "Status", "URL"}, Rows: rows})
	md.PlainText("")
}
