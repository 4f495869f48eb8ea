package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/linkscan/internal/model"
)

// FileName is the name of the history database inside the data directory.
const FileName = "linkscan.db"

// ScanDB stores finished scan reports and their broken links.
// One database file holds the history of every seed URL.
type ScanDB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string
}

// Options configures ScanDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a ScanDB in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*ScanDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw refuses to create a missing file.
	var dsn string
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	} else {
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	sdb := &ScanDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := sdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return sdb, nil
}

// Path returns the database file path.
func (sdb *ScanDB) Path() string {
	return sdb.dbPath
}

// Close closes the database connection.
func (sdb *ScanDB) Close() error {
	return sdb.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (sdb *ScanDB) createTables() error {
	schema := `
	-- One row per finished scan
	CREATE TABLE IF NOT EXISTS scan_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT,
		seed_url TEXT NOT NULL,
		source TEXT,
		state TEXT NOT NULL,
		total_links INTEGER NOT NULL DEFAULT 0,
		scanned_links INTEGER NOT NULL DEFAULT 0,
		broken_count INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		report_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_seed ON scan_reports(seed_url);
	CREATE INDEX IF NOT EXISTS idx_reports_scan_id ON scan_reports(scan_id);
	CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON scan_reports(timestamp);

	-- Broken links are denormalized so a URL can be traced across scans
	CREATE TABLE IF NOT EXISTS broken_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL REFERENCES scan_reports(id),
		url TEXT NOT NULL,
		link_type TEXT NOT NULL,
		app_name TEXT,
		page_number INTEGER,
		status INTEGER,
		outcome TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_broken_url ON broken_links(url);
	CREATE INDEX IF NOT EXISTS idx_broken_report ON broken_links(report_id);
	`

	_, err := sdb.db.ExecContext(context.Background(), schema)
	return err
}

// SaveScanReport stores a report and its broken links in one transaction.
// It returns the row ID of the stored report.
func (sdb *ScanDB) SaveScanReport(ctx context.Context, report *model.ScanReport) (int64, error) {
	if report == nil {
		return 0, errors.New("report is nil")
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal report: %w", err)
	}

	ts := report.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := sdb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO scan_reports (scan_id, seed_url, source, state, total_links,
			scanned_links, broken_count, fingerprint, timestamp, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.SeedURL, report.Source, report.State.String(),
		report.TotalLinks, report.ScannedLinks, len(report.BrokenLinks),
		report.Fingerprint(), formatTimestamp(ts), string(reportJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to save scan report: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get report id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO broken_links (report_id, url, link_type, app_name, page_number, status, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare broken link insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range report.BrokenLinks {
		if _, err := stmt.ExecContext(ctx, id, b.Link.URL, b.Link.LinkType.String(), b.Link.AppName,
			b.Link.PageNumber, b.Outcome.Status, b.Outcome.Kind.String(), b.Outcome.Reason); err != nil {
			return 0, fmt.Errorf("failed to save broken link %s: %w", b.Link.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit scan report: %w", err)
	}
	return id, nil
}

// GetLatestScanReport retrieves the most recent report for a seed URL.
// It returns nil without error when the seed was never scanned.
func (sdb *ScanDB) GetLatestScanReport(ctx context.Context, seedURL string) (*model.ScanReport, error) {
	row := sdb.db.QueryRowContext(ctx, `
		SELECT report_json FROM scan_reports
		WHERE seed_url = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, seedURL)
	return scanReport(row)
}

// GetScanReportByID retrieves a report by its row ID.
// It returns nil without error when no such report exists.
func (sdb *ScanDB) GetScanReportByID(ctx context.Context, id int64) (*model.ScanReport, error) {
	row := sdb.db.QueryRowContext(ctx, `SELECT report_json FROM scan_reports WHERE id = ?`, id)
	return scanReport(row)
}

// GetScanReportByScanID retrieves a report by the scan ID assigned when the
// scan started. It returns nil without error when no such report exists.
func (sdb *ScanDB) GetScanReportByScanID(ctx context.Context, scanID string) (*model.ScanReport, error) {
	row := sdb.db.QueryRowContext(ctx, `
		SELECT report_json FROM scan_reports
		WHERE scan_id = ?
		ORDER BY id DESC
		LIMIT 1`, scanID)
	return scanReport(row)
}

func scanReport(row *sql.Row) (*model.ScanReport, error) {
	var reportJSON string
	if err := row.Scan(&reportJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scan report: %w", err)
	}

	var report model.ScanReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// ListScannedSeeds returns every seed URL with at least one stored report.
func (sdb *ScanDB) ListScannedSeeds(ctx context.Context) ([]string, error) {
	rows, err := sdb.db.QueryContext(ctx, `
		SELECT DISTINCT seed_url FROM scan_reports
		ORDER BY seed_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scanned seeds: %w", err)
	}
	defer rows.Close()

	var seeds []string
	for rows.Next() {
		var seed string
		if err := rows.Scan(&seed); err != nil {
			return nil, fmt.Errorf("failed to scan seed: %w", err)
		}
		seeds = append(seeds, seed)
	}

	return seeds, rows.Err()
}

// GetScanHistory retrieves all reports for a seed URL, newest first.
func (sdb *ScanDB) GetScanHistory(ctx context.Context, seedURL string) ([]*model.ScanReport, error) {
	rows, err := sdb.db.QueryContext(ctx, `
		SELECT report_json FROM scan_reports
		WHERE seed_url = ?
		ORDER BY timestamp DESC, id DESC`, seedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan history: %w", err)
	}
	defer rows.Close()

	var reports []*model.ScanReport
	for rows.Next() {
		var reportJSON string
		if err := rows.Scan(&reportJSON); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}

		var report model.ScanReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, &report)
	}

	return reports, rows.Err()
}

// ScanReportMetadata summarizes a stored report without decoding it.
type ScanReportMetadata struct {
	// ID is the database row ID.
	ID int64

	// ScanID is the identifier assigned when the scan started.
	ScanID string

	// SeedURL is the listing URL that was scanned.
	SeedURL string

	// State is the terminal state of the scan.
	State model.ScanState

	// Timestamp is when the scan finished.
	Timestamp time.Time

	TotalLinks   int
	ScannedLinks int
	BrokenCount  int

	// Fingerprint identifies the broken-link set. Equal fingerprints mean
	// nothing changed between two scans.
	Fingerprint string
}

// GetScanHistoryWithMetadata retrieves report summaries for a seed URL,
// newest first.
func (sdb *ScanDB) GetScanHistoryWithMetadata(ctx context.Context, seedURL string) ([]ScanReportMetadata, error) {
	rows, err := sdb.db.QueryContext(ctx, `
		SELECT id, COALESCE(scan_id, ''), seed_url, state, timestamp,
			total_links, scanned_links, broken_count, COALESCE(fingerprint, '')
		FROM scan_reports
		WHERE seed_url = ?
		ORDER BY timestamp DESC, id DESC`, seedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan history: %w", err)
	}
	defer rows.Close()

	var metadata []ScanReportMetadata
	for rows.Next() {
		var (
			m         ScanReportMetadata
			state     string
			timestamp string
		)
		if err := rows.Scan(&m.ID, &m.ScanID, &m.SeedURL, &state, &timestamp,
			&m.TotalLinks, &m.ScannedLinks, &m.BrokenCount, &m.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		if err := m.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		m.Timestamp = parseTimestamp(timestamp)
		metadata = append(metadata, m)
	}

	return metadata, rows.Err()
}

// BrokenLinkRecord is one stored broken link joined with its report.
type BrokenLinkRecord struct {
	ReportID   int64
	SeedURL    string
	URL        string
	LinkType   string
	AppName    string
	PageNumber int
	Status     int
	Outcome    string
	Reason     string
	Timestamp  time.Time
}

// BrokenLinkHistory returns every stored occurrence of url as a broken
// link, newest first. It shows how long a link has been failing.
func (sdb *ScanDB) BrokenLinkHistory(ctx context.Context, url string) ([]BrokenLinkRecord, error) {
	rows, err := sdb.db.QueryContext(ctx, `
		SELECT b.report_id, r.seed_url, b.url, b.link_type, COALESCE(b.app_name, ''),
			COALESCE(b.page_number, 0), COALESCE(b.status, 0), b.outcome,
			COALESCE(b.reason, ''), r.timestamp
		FROM broken_links b
		JOIN scan_reports r ON r.id = b.report_id
		WHERE b.url = ?
		ORDER BY r.timestamp DESC, b.id ASC`, url)
	if err != nil {
		return nil, fmt.Errorf("failed to query broken link history: %w", err)
	}
	defer rows.Close()

	var records []BrokenLinkRecord
	for rows.Next() {
		var (
			rec       BrokenLinkRecord
			timestamp string
		)
		if err := rows.Scan(&rec.ReportID, &rec.SeedURL, &rec.URL, &rec.LinkType, &rec.AppName,
			&rec.PageNumber, &rec.Status, &rec.Outcome, &rec.Reason, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan broken link: %w", err)
		}
		rec.Timestamp = parseTimestamp(timestamp)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// timestampLayout is the layout used for stored timestamps. It sorts
// lexically in chronological order.
const timestampLayout = "2006-01-02 15:04:05.000"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	"2006-01-02 15:04:05",     // SQLite default datetime format
	"2006-01-02T15:04:05Z",    // ISO 8601 with Z suffix
	"2006-01-02T15:04:05",     // ISO 8601 without timezone
	time.RFC3339,              // Full RFC3339 format
	time.RFC3339Nano,          // RFC3339 with nanoseconds
	"2006-01-02 15:04:05.999", // SQLite with milliseconds
}

// parseTimestamp parses a timestamp in any of timestampFormats.
// It returns the zero time when nothing matches.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
