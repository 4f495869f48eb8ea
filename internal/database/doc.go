// Package database keeps the scan history of linkscan in SQLite.
//
// Every finished scan is stored as a JSON report plus one row per broken
// link. The compare command diffs the latest two reports of a seed, and
// BrokenLinkHistory traces a single URL across scans.
//
// The driver is modernc.org/sqlite, which needs no cgo.
package database
