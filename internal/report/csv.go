package report

import (
	"bytes"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/nao1215/linkscan/internal/model"
)

// BrokenLinkRow is one CSV row.
type BrokenLinkRow struct {
	SeedURL  string `csv:"seed_url"`
	Page     int    `csv:"page"`
	Item     int    `csv:"item"`
	AppName  string `csv:"app_name"`
	LinkType string `csv:"link_type"`
	URL      string `csv:"url"`
	Outcome  string `csv:"outcome"`
	Status   int    `csv:"status"`
	Reason   string `csv:"reason"`
	Attempts int    `csv:"attempts"`
}

// CSVWriter outputs one row per broken link.
// A report without broken links produces only the header row.
type CSVWriter struct {
	baseWriter
}

// NewCSVWriter creates a CSVWriter that outputs to the given writer.
func NewCSVWriter(output io.Writer) *CSVWriter {
	return &CSVWriter{baseWriter: newBaseWriter(output)}
}

// Write outputs the broken links of report as CSV.
func (w *CSVWriter) Write(report *model.ScanReport) (int, error) {
	rows := BrokenLinkRows(report)

	var buf bytes.Buffer
	if err := gocsv.Marshal(&rows, &buf); err != nil {
		return 0, err
	}
	return w.output.Write(buf.Bytes())
}

// BrokenLinkRows flattens the broken links of report in report order.
func BrokenLinkRows(report *model.ScanReport) []BrokenLinkRow {
	rows := make([]BrokenLinkRow, 0, len(report.BrokenLinks))
	for _, b := range report.BrokenLinks {
		rows = append(rows, BrokenLinkRow{
			SeedURL:  report.SeedURL,
			Page:     b.Link.PageNumber,
			Item:     b.Link.ItemIndex,
			AppName:  b.Link.AppName,
			LinkType: b.Link.LinkType.String(),
			URL:      b.Link.URL,
			Outcome:  b.Outcome.Kind.String(),
			Status:   b.Outcome.Status,
			Reason:   b.Outcome.Reason,
			Attempts: b.Attempts,
		})
	}
	return rows
}
