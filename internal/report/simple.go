package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nao1215/linkscan/internal/model"
	"github.com/rodaine/table"
)

// SimpleWriter outputs human-readable text reports for terminal display.
// Broken links are printed as an aligned table.
type SimpleWriter struct {
	baseWriter

	// showEmpty prints sections that have nothing to show.
	showEmpty bool

	// verbose adds attempts and elapsed time to the broken-link table.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty configures the writer to show empty sections.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the report in human-readable format.
func (w *SimpleWriter) Write(report *model.ScanReport) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, report)
	w.writeSummary(&sb, report)
	w.writeBrokenLinks(&sb, report)
	w.writePageErrors(&sb, report)
	w.writeFooter(&sb, report)

	return io.WriteString(w.output, sb.String())
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.ScanReport) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                         LINKSCAN REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Seed URL:       %s\n", report.SeedURL)
	if report.Source != "" {
		fmt.Fprintf(sb, "Source:         %s\n", report.Source)
	}
	if !report.StartedAt.IsZero() {
		fmt.Fprintf(sb, "Scan Date:      %s\n", report.StartedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(sb, "Duration:       %s\n", report.Duration().Round(1e6))
	}
	fmt.Fprintf(sb, "Status:         %s\n", StatusText(report))
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeSummary(sb *strings.Builder, report *model.ScanReport) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "  Pages:  %d / %d\n", report.ScannedPages, report.TotalPages)
	fmt.Fprintf(sb, "  Items:  %d / %d\n", report.ScannedItems, report.TotalItems)
	fmt.Fprintf(sb, "  Links:  %d / %d\n", report.ScannedLinks, report.TotalLinks)
	fmt.Fprintf(sb, "  Broken: %d\n", len(report.BrokenLinks))

	if report.HasBrokenLinks() {
		classes := report.BrokenByStatusClass()
		sb.WriteString("\n")
		for _, class := range statusClasses {
			if n := classes[class]; n > 0 || w.showEmpty {
				fmt.Fprintf(sb, "    %-8s %d\n", class+":", n)
			}
		}
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeBrokenLinks(sb *strings.Builder, report *model.ScanReport) {
	if !report.HasBrokenLinks() && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("BROKEN LINKS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if !report.HasBrokenLinks() {
		sb.WriteString("  No broken links\n\n")
		return
	}

	headers := []any{"Page", "App", "Type", "Status", "URL"}
	if w.verbose {
		headers = append(headers, "Attempts", "Elapsed")
	}

	tbl := table.New(headers...).WithWriter(sb).WithPadding(2)
	for _, b := range report.BrokenLinks {
		row := []any{
			b.Link.PageNumber,
			truncateString(b.Link.AppName, 30),
			b.Link.LinkType.Label(),
			statusCell(b.Outcome),
			b.Link.URL,
		}
		if w.verbose {
			row = append(row, b.Attempts, b.Elapsed.Round(1e6))
		}
		tbl.AddRow(row...)
	}
	tbl.Print()
	sb.WriteString("\n")
}

func (w *SimpleWriter) writePageErrors(sb *strings.Builder, report *model.ScanReport) {
	if len(report.PageErrors) == 0 && !w.showEmpty {
		return
	}

	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("PAGE ERRORS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")

	if len(report.PageErrors) == 0 {
		sb.WriteString("  None\n\n")
		return
	}
	for _, e := range report.PageErrors {
		fmt.Fprintf(sb, "  [!] %s\n", e)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeFooter(sb *strings.Builder, report *model.ScanReport) {
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")

	switch {
	case report.State == model.ScanStateFailed:
		sb.WriteString("The listing could not be scanned.\n")
	case report.HasBrokenLinks():
		fmt.Fprintf(sb, "Found %d broken link(s) in %d checked.\n", len(report.BrokenLinks), report.ScannedLinks)
	case report.State == model.ScanStateCancelled:
		sb.WriteString("No broken links among the links checked before cancellation.\n")
	default:
		sb.WriteString("No broken links found.\n")
	}
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}

// statusCell renders the status column: the HTTP code, or the failure kind
// for synthetic statuses.
func statusCell(o model.Outcome) string {
	switch o.Kind {
	case model.OutcomeTimeout:
		return "timeout"
	case model.OutcomeNetworkError:
		return "network error"
	}
	if o.Reason != "" {
		return strconv.Itoa(o.Status) + " " + o.Reason
	}
	return strconv.Itoa(o.Status)
}
