package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/linkscan/internal/model"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *ScanDB {
	t.Helper()

	db, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// newReport builds a finished report with the given broken links.
func newReport(seed string, finished time.Time, broken ...model.LinkResult) *model.ScanReport {
	r := model.NewScanReport(seed)
	r.ID = "scan-" + finished.Format("150405")
	r.Source = "marketplace"
	r.State = model.ScanStateCompleted
	r.StartedAt = finished.Add(-time.Minute)
	r.FinishedAt = finished
	r.TotalLinks = 10
	r.ScannedLinks = 10
	r.BrokenLinks = append(r.BrokenLinks, broken...)
	return r
}

func brokenLink(url string, status int) model.LinkResult {
	return model.LinkResult{
		Link: model.CandidateLink{
			URL:        url,
			LinkType:   model.LinkTypeDocumentation,
			AppName:    "Acme",
			PageNumber: 1,
		},
		Outcome:  model.Broken(status, ""),
		Attempts: 1,
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "newdir", "subdir")
		db, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		dbPath := filepath.Join(dbDir, FileName)
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if db.Path() != dbPath {
			t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
		}
	})

	t.Run("CreateIfNotExists=false returns error when database does not exist", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "nonexistent-db")

		_, err := Open(dbDir, Options{CreateIfNotExists: false, EnableWAL: true})
		if err == nil {
			t.Fatal("expected error when CreateIfNotExists=false and database does not exist")
		}
		if !strings.Contains(err.Error(), "database not found") {
			t.Errorf("expected error to contain %q, got %q", "database not found", err.Error())
		}
		if _, statErr := os.Stat(dbDir); !os.IsNotExist(statErr) {
			t.Error("database directory should not have been created when CreateIfNotExists=false")
		}
	})

	t.Run("CreateIfNotExists=false opens existing database", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "existing-db")
		ctx := context.Background()

		db1, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to create database: %v", err)
		}
		if _, err := db1.SaveScanReport(ctx, newReport("https://example.com/apps", time.Now())); err != nil {
			t.Fatalf("failed to save report: %v", err)
		}
		db1.Close()

		db2, err := Open(dbDir, Options{CreateIfNotExists: false, EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to open existing database with CreateIfNotExists=false: %v", err)
		}
		defer db2.Close()

		got, err := db2.GetLatestScanReport(ctx, "https://example.com/apps")
		if err != nil {
			t.Fatalf("failed to get report: %v", err)
		}
		if got == nil {
			t.Error("expected report to exist in database")
		}
	})
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	if !opts.CreateIfNotExists {
		t.Error("expected CreateIfNotExists to be true by default")
	}
	if !opts.EnableWAL {
		t.Error("expected EnableWAL to be true by default")
	}
}

func TestScanReports(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	seed := "https://example.com/apps"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("missing seed returns nil", func(t *testing.T) {
		got, err := db.GetLatestScanReport(ctx, "https://unknown.example.com/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil report, got %+v", got)
		}
	})

	older := newReport(seed, base, brokenLink("https://example.com/docs", 404))
	newer := newReport(seed, base.Add(time.Hour),
		brokenLink("https://example.com/docs", 404),
		brokenLink("https://example.com/help", 500))

	// Saved out of order: the timestamp decides which report is latest.
	newerID, err := db.SaveScanReport(ctx, newer)
	if err != nil {
		t.Fatalf("failed to save report: %v", err)
	}
	olderID, err := db.SaveScanReport(ctx, older)
	if err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	t.Run("latest report by timestamp", func(t *testing.T) {
		got, err := db.GetLatestScanReport(ctx, seed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil {
			t.Fatal("expected a report")
		}
		if got.ID != newer.ID {
			t.Errorf("ID = %q, want %q", got.ID, newer.ID)
		}
		if len(got.BrokenLinks) != 2 {
			t.Errorf("broken links = %d, want 2", len(got.BrokenLinks))
		}
		if got.State != model.ScanStateCompleted {
			t.Errorf("state = %v, want completed", got.State)
		}
	})

	t.Run("report by row id", func(t *testing.T) {
		got, err := db.GetScanReportByID(ctx, olderID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || got.ID != older.ID {
			t.Fatalf("GetScanReportByID(%d) = %+v, want %q", olderID, got, older.ID)
		}

		missing, err := db.GetScanReportByID(ctx, newerID+olderID+100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if missing != nil {
			t.Error("expected nil for unknown id")
		}
	})

	t.Run("report by scan id", func(t *testing.T) {
		got, err := db.GetScanReportByScanID(ctx, newer.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || got.FinishedAt.Unix() != newer.FinishedAt.Unix() {
			t.Fatalf("GetScanReportByScanID(%q) = %+v", newer.ID, got)
		}
	})

	t.Run("history is newest first", func(t *testing.T) {
		history, err := db.GetScanHistory(ctx, seed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("history length = %d, want 2", len(history))
		}
		if history[0].ID != newer.ID || history[1].ID != older.ID {
			t.Errorf("history order = [%s %s], want [%s %s]", history[0].ID, history[1].ID, newer.ID, older.ID)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		meta, err := db.GetScanHistoryWithMetadata(ctx, seed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(meta) != 2 {
			t.Fatalf("metadata length = %d, want 2", len(meta))
		}

		m := meta[0]
		if m.ID != newerID {
			t.Errorf("ID = %d, want %d", m.ID, newerID)
		}
		if m.BrokenCount != 2 || m.TotalLinks != 10 || m.ScannedLinks != 10 {
			t.Errorf("counts = %d/%d/%d", m.BrokenCount, m.TotalLinks, m.ScannedLinks)
		}
		if m.State != model.ScanStateCompleted {
			t.Errorf("state = %v, want completed", m.State)
		}
		if m.Fingerprint != newer.Fingerprint() {
			t.Errorf("fingerprint = %q, want %q", m.Fingerprint, newer.Fingerprint())
		}
		if !m.Timestamp.Equal(newer.FinishedAt) {
			t.Errorf("timestamp = %v, want %v", m.Timestamp, newer.FinishedAt)
		}
		if meta[1].Fingerprint == m.Fingerprint {
			t.Error("different broken sets should have different fingerprints")
		}
	})
}

func TestListScannedSeeds(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	seeds, err := db.ListScannedSeeds(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seeds) != 0 {
		t.Errorf("expected no seeds, got %v", seeds)
	}

	for _, seed := range []string{"https://b.example.com/", "https://a.example.com/", "https://b.example.com/"} {
		if _, err := db.SaveScanReport(ctx, newReport(seed, now)); err != nil {
			t.Fatalf("failed to save report: %v", err)
		}
	}

	seeds, err = db.ListScannedSeeds(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://a.example.com/", "https://b.example.com/"}
	if strings.Join(seeds, ",") != strings.Join(want, ",") {
		t.Errorf("seeds = %v, want %v", seeds, want)
	}
}

func TestBrokenLinkHistory(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	seed := "https://example.com/apps"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	target := "https://example.com/docs"

	if _, err := db.SaveScanReport(ctx, newReport(seed, base, brokenLink(target, 404))); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveScanReport(ctx, newReport(seed, base.Add(time.Hour), brokenLink(target, 410))); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveScanReport(ctx, newReport(seed, base.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}

	records, err := db.BrokenLinkHistory(ctx, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Status != 410 || records[1].Status != 404 {
		t.Errorf("statuses = [%d %d], want [410 404]", records[0].Status, records[1].Status)
	}

	rec := records[0]
	if rec.SeedURL != seed || rec.AppName != "Acme" || rec.LinkType != "Documentation" || rec.Outcome != "broken" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Reason != "Gone" {
		t.Errorf("reason = %q, want %q", rec.Reason, "Gone")
	}

	none, err := db.BrokenLinkHistory(ctx, "https://example.com/never-broken")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no records, got %d", len(none))
	}
}

func TestSaveScanReportNil(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	if _, err := db.SaveScanReport(context.Background(), nil); err == nil {
		t.Error("expected error for nil report")
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"sqlite default", "2026-03-01 12:30:45", want},
		{"stored layout", "2026-03-01 12:30:45.000", want},
		{"iso with z", "2026-03-01T12:30:45Z", want},
		{"rfc3339 nano", "2026-03-01T12:30:45.000000000Z", want},
		{"garbage", "yesterday", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseTimestamp(tt.input); !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if got := formatTimestamp(want); got != "2026-03-01 12:30:45.000" {
		t.Errorf("formatTimestamp = %q", got)
	}
}
