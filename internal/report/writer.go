package report

import (
	"fmt"
	"io"

	"github.com/nao1215/linkscan/internal/model"
)

// Writer writes a scan report in one output format.
type Writer interface {
	// Write outputs the report to the configured destination.
	// Returns the number of bytes written and any error encountered.
	Write(report *model.ScanReport) (int, error)
}

// MultiWriter writes to multiple Writers in order.
// It is used to print a report and save a copy to a file at the same time.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the report to all configured Writers.
// Returns the total bytes written across all writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(report *model.ScanReport) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(report)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// StatusText describes how a scan ended.
func StatusText(report *model.ScanReport) string {
	switch report.State {
	case model.ScanStateCompleted:
		return "Completed"
	case model.ScanStateCancelled:
		return "Cancelled (partial results)"
	case model.ScanStateFailed:
		if report.FailureReason != "" {
			return "Failed - " + report.FailureReason
		}
		return "Failed"
	default:
		return fmt.Sprintf("Running (%s)", report.State)
	}
}

// statusClasses is the display order of BrokenByStatusClass buckets.
var statusClasses = []string{"4xx", "5xx", "3xx", "timeout", "network"}

// truncateString truncates a string to maxLen bytes with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
