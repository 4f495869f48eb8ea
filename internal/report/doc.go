// Package report renders scan reports.
//
// Writers:
//   - SimpleWriter: text for terminal display
//   - JSONWriter and FullJSONWriter: JSON for tool integration
//   - MarkdownWriter: GitHub-flavored Markdown with a mermaid pie chart
//   - CSVWriter: one row per broken link
//
// All writers implement Writer and can be combined with MultiWriter.
package report
