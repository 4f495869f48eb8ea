package report

import (
	"io"
	"strconv"

	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
)

// MarkdownWriter outputs reports in GitHub-flavored Markdown, suitable for
// issues and pull request comments.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs the report in Markdown format.
func (w *MarkdownWriter) Write(report *model.ScanReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeSummary(md, report)
	w.writeBrokenLinks(md, report)
	w.writePageErrors(md, report)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *model.ScanReport) {
	md.H1("Linkscan Report")
	md.PlainText("")

	rows := [][]string{
		{"Seed URL", "`" + report.SeedURL + "`"},
	}
	if report.Source != "" {
		rows = append(rows, []string{"Source", report.Source})
	}
	if !report.StartedAt.IsZero() {
		rows = append(rows,
			[]string{"Scan Date", report.StartedAt.Format("2006-01-02 15:04:05 MST")},
			[]string{"Duration", report.Duration().Round(1e6).String()},
		)
	}
	rows = append(rows, []string{"Status", statusEmoji(report)})

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

// statusEmoji decorates StatusText for Markdown output.
func statusEmoji(report *model.ScanReport) string {
	switch report.State {
	case model.ScanStateCompleted:
		return "✅ " + StatusText(report)
	case model.ScanStateCancelled:
		return "⚠️ " + StatusText(report)
	case model.ScanStateFailed:
		return "❌ " + StatusText(report)
	default:
		return StatusText(report)
	}
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, report *model.ScanReport) {
	md.H2("Summary")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"", "Scanned", "Total"},
		Rows: [][]string{
			{"Pages", strconv.Itoa(report.ScannedPages), strconv.Itoa(report.TotalPages)},
			{"Items", strconv.Itoa(report.ScannedItems), strconv.Itoa(report.TotalItems)},
			{"Links", strconv.Itoa(report.ScannedLinks), strconv.Itoa(report.TotalLinks)},
			{"**Broken**", "**" + strconv.Itoa(len(report.BrokenLinks)) + "**", ""},
		},
	})
	md.PlainText("")

	if report.HasBrokenLinks() {
		w.writePieChart(md, report)
	}

	w.writeAlert(md, report)
}

// writePieChart writes a mermaid pie chart of broken links by link type.
func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, report *model.ScanReport) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Broken Links by Type"),
		piechart.WithShowData(true),
	)

	counts := report.BrokenByLinkType()
	for _, lt := range model.AllLinkTypes() {
		if n := counts[lt]; n > 0 {
			chart.LabelAndIntValue(lt.Label(), uint64(n))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *model.ScanReport) {
	classes := report.BrokenByStatusClass()
	switch {
	case report.State == model.ScanStateFailed:
		md.Cautionf("The listing could not be scanned: %s", report.FailureReason)
	case classes["4xx"] > 0:
		md.Cautionf("%d link(s) return a client error and are most likely dead.", classes["4xx"])
	case report.HasBrokenLinks():
		md.Warningf("%d link(s) failed. Server errors and timeouts may be transient.", len(report.BrokenLinks))
	case report.State == model.ScanStateCancelled:
		md.Note("The scan was cancelled. Links not yet checked are not reported.")
	default:
		md.Tip("No broken links found.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeBrokenLinks(md *markdown.Markdown, report *model.ScanReport) {
	md.H2("Broken Links")
	md.PlainText("")

	if !report.HasBrokenLinks() {
		md.PlainText("No broken links detected.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(report.BrokenLinks))
	for i, b := range report.BrokenLinks {
		rows[i] = []string{
			strconv.Itoa(b.Link.PageNumber),
			truncateString(b.Link.AppName, 40),
			b.Link.LinkType.Label(),
			statusCell(b.Outcome),
			"`" + truncateString(b.Link.URL, 80) + "`",
		}
	}

	md.Table(markdown.TableSet{
		Header: []string{"Page", "App", "Type", "Status", "URL"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writePageErrors(md *markdown.Markdown, report *model.ScanReport) {
	if len(report.PageErrors) == 0 {
		return
	}

	md.H2("Page Errors")
	md.PlainText("")
	md.BulletList(report.PageErrors...)
	md.PlainText("")
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [linkscan](https://github.com/nao1215/linkscan)*")
}
