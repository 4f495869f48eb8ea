package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/linkscan/internal/database"
	"github.com/nao1215/linkscan/internal/model"
)

const testSeed = "https://marketplace.example.com/apps"

func setupTestDB(t *testing.T) *database.ScanDB {
	t.Helper()

	db, err := database.Open(t.TempDir(), database.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedReport(seed string, finished time.Time, broken ...model.LinkResult) *model.ScanReport {
	r := model.NewScanReport(seed)
	r.ID = finished.Format("20060102") + "@" + seed
	r.State = model.ScanStateCompleted
	r.StartedAt = finished.Add(-time.Minute)
	r.FinishedAt = finished
	r.TotalLinks = 20
	r.ScannedLinks = 20
	r.BrokenLinks = append(r.BrokenLinks, broken...)
	return r
}

func brokenResult(app, url string, status int) model.LinkResult {
	return model.LinkResult{
		Link: model.CandidateLink{
			URL:        url,
			LinkType:   model.LinkTypeDocumentation,
			AppName:    app,
			PageNumber: 1,
		},
		Outcome:  model.Broken(status, ""),
		Attempts: 1,
	}
}

func saveReports(t *testing.T, db *database.ScanDB, reports ...*model.ScanReport) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(reports))
	for _, r := range reports {
		id, err := db.SaveScanReport(context.Background(), r)
		if err != nil {
			t.Fatalf("SaveScanReport() error = %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

var (
	day1 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	day3 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestNewCompareCmd(t *testing.T) {
	t.Parallel()

	cmd := NewCompareCmd()
	if cmd.Use != "compare [seed-url]" {
		t.Errorf("unexpected use %q", cmd.Use)
	}

	flags := map[string]string{
		"list":         "l",
		"list-seeds":   "L",
		"link":         "",
		"with-scan-id": "i",
		"since":        "s",
		"json":         "j",
		"markdown":     "m",
	}
	for name, shorthand := range flags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			t.Errorf("expected %s flag", name)
			continue
		}
		if flag.Shorthand != shorthand {
			t.Errorf("%s: expected shorthand %q, got %q", name, shorthand, flag.Shorthand)
		}
	}
}

func TestRunCompareCmdArguments(t *testing.T) {
	t.Parallel()

	t.Run("requires seed", func(t *testing.T) {
		t.Parallel()
		cmd := NewCompareCmd()
		cmd.SetArgs(nil)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "seed URL is required") {
			t.Errorf("expected missing seed error, got %v", err)
		}
	})

	t.Run("rejects invalid seed", func(t *testing.T) {
		t.Parallel()
		cmd := NewCompareCmd()
		cmd.SetArgs([]string{"not a url"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "invalid seed URL") {
			t.Errorf("expected invalid seed error, got %v", err)
		}
	})
}

func TestCompareReports(t *testing.T) {
	t.Parallel()

	previous := storedReport(testSeed, day1,
		brokenResult("Acme", "https://acme.example.com/docs", http.StatusNotFound),
		brokenResult("Beta", "https://beta.example.com/docs", http.StatusInternalServerError),
		brokenResult("Gamma", "https://gamma.example.com/docs", http.StatusGone),
	)
	moved := brokenResult("Gamma", "https://gamma.example.com/docs", http.StatusGone)
	moved.Link.PageNumber = 3
	current := storedReport(testSeed, day2,
		brokenResult("Beta", "https://beta.example.com/docs", http.StatusNotFound),
		moved,
		brokenResult("Delta", "https://delta.example.com/docs", http.StatusNotFound),
		brokenResult("Echo", "https://echo.example.com/docs", http.StatusForbidden),
	)

	result := compareReports(previous, current)

	if result.SeedURL != testSeed {
		t.Errorf("SeedURL = %q", result.SeedURL)
	}
	if len(result.NewlyBroken) != 2 ||
		result.NewlyBroken[0].Link.AppName != "Delta" ||
		result.NewlyBroken[1].Link.AppName != "Echo" {
		t.Errorf("unexpected newly broken: %+v", result.NewlyBroken)
	}
	if len(result.Fixed) != 1 || result.Fixed[0].Link.AppName != "Acme" {
		t.Errorf("unexpected fixed: %+v", result.Fixed)
	}
	if len(result.Changed) != 1 {
		t.Fatalf("expected 1 changed link, got %+v", result.Changed)
	}
	if result.Changed[0].Previous.Status != http.StatusInternalServerError ||
		result.Changed[0].Current.Status != http.StatusNotFound {
		t.Errorf("unexpected change: %+v", result.Changed[0])
	}
	// A link that moved to another page is still the same link.
	if result.UnchangedCount != 1 {
		t.Errorf("UnchangedCount = %d, want 1", result.UnchangedCount)
	}
	if result.Trend.Direction != trendWorsened || result.Trend.BrokenDelta != 1 {
		t.Errorf("unexpected trend: %+v", result.Trend)
	}
	if result.PreviousScan.BrokenCount != 3 || result.CurrentScan.BrokenCount != 4 {
		t.Errorf("unexpected metadata: %+v / %+v", result.PreviousScan, result.CurrentScan)
	}
}

func TestCompareReportsTrend(t *testing.T) {
	t.Parallel()

	a := brokenResult("Acme", "https://acme.example.com/docs", http.StatusNotFound)
	b := brokenResult("Beta", "https://beta.example.com/docs", http.StatusNotFound)

	tests := []struct {
		name     string
		previous []model.LinkResult
		current  []model.LinkResult
		want     string
	}{
		{"improved", []model.LinkResult{a, b}, []model.LinkResult{a}, trendImproved},
		{"unchanged", []model.LinkResult{a}, []model.LinkResult{a}, trendUnchanged},
		{"clean", nil, nil, trendUnchanged},
		{"same count different links", []model.LinkResult{a}, []model.LinkResult{b}, trendWorsened},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := compareReports(
				storedReport(testSeed, day1, tt.previous...),
				storedReport(testSeed, day2, tt.current...),
			)
			if result.Trend.Direction != tt.want {
				t.Errorf("Direction = %q, want %q", result.Trend.Direction, tt.want)
			}
			if !strings.Contains(trendLabel(result.Trend), tt.want) {
				t.Errorf("trendLabel() = %q, want it to mention %q", trendLabel(result.Trend), tt.want)
			}
		})
	}
}

func TestRunComparison(t *testing.T) {
	t.Parallel()

	acme := brokenResult("Acme", "https://acme.example.com/docs", http.StatusNotFound)
	beta := brokenResult("Beta", "https://beta.example.com/docs", http.StatusNotFound)
	gamma := brokenResult("Gamma", "https://gamma.example.com/docs", http.StatusNotFound)

	db := setupTestDB(t)
	ids := saveReports(t, db,
		storedReport(testSeed, day1, acme),
		storedReport(testSeed, day2, acme, beta),
		storedReport(testSeed, day3, beta, gamma),
		storedReport("https://other.example.com/apps", day3),
	)
	ctx := context.Background()

	t.Run("latest two scans as text", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		if err := runComparison(ctx, db, testSeed, compareOptions{}, &out); err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}
		text := out.String()
		for _, want := range []string{"LINKSCAN COMPARISON", "NEWLY BROKEN (1)", "gamma.example.com", "FIXED (1)", "acme.example.com", "Unchanged broken links: 1"} {
			if !strings.Contains(text, want) {
				t.Errorf("expected output to contain %q, got:\n%s", want, text)
			}
		}
	})

	t.Run("with scan id as json", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		opts := compareOptions{withScanID: ids[0], json: true}
		if err := runComparison(ctx, db, testSeed, opts, &out); err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}

		var result ComparisonResult
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if !result.PreviousScan.DateScanned.Equal(day1) {
			t.Errorf("previous scan date = %v, want %v", result.PreviousScan.DateScanned, day1)
		}
		if len(result.NewlyBroken) != 2 || len(result.Fixed) != 1 {
			t.Errorf("unexpected diff: newly %d fixed %d", len(result.NewlyBroken), len(result.Fixed))
		}
	})

	t.Run("since date as markdown", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		opts := compareOptions{since: "2026-01-15", markdown: true}
		if err := runComparison(ctx, db, testSeed, opts, &out); err != nil {
			t.Fatalf("runComparison() error = %v", err)
		}
		md := out.String()
		for _, want := range []string{"# Linkscan Comparison", "## Newly Broken", "## Fixed"} {
			if !strings.Contains(md, want) {
				t.Errorf("expected markdown to contain %q, got:\n%s", want, md)
			}
		}
	})

	errorCases := []struct {
		name string
		seed string
		opts compareOptions
		want string
	}{
		{"no history", "https://none.example.com/apps", compareOptions{}, "no scan history"},
		{"single scan", "https://other.example.com/apps", compareOptions{}, "at least 2 scans"},
		{"unknown scan id", testSeed, compareOptions{withScanID: 999}, "not found"},
		{"scan id of another seed", testSeed, compareOptions{withScanID: ids[3]}, "belongs to"},
		{"bad date", testSeed, compareOptions{since: "01/02/2026"}, "invalid date"},
		{"no scans since", testSeed, compareOptions{since: "2027-01-01"}, "no scans found since"},
		{"only latest since", testSeed, compareOptions{since: "2026-02-15"}, "only one scan"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := runComparison(ctx, db, tt.seed, tt.opts, &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestHistoryListings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	acme := brokenResult("Acme", "https://acme.example.com/docs", http.StatusNotFound)

	t.Run("empty database", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)

		var out bytes.Buffer
		if err := listScannedSeeds(ctx, db, &out); err != nil {
			t.Fatalf("listScannedSeeds() error = %v", err)
		}
		if !strings.Contains(out.String(), "No scanned seeds") {
			t.Errorf("unexpected output: %s", out.String())
		}

		out.Reset()
		if err := listScanHistory(ctx, db, testSeed, &out); err != nil {
			t.Fatalf("listScanHistory() error = %v", err)
		}
		if !strings.Contains(out.String(), "No scan history found") {
			t.Errorf("unexpected output: %s", out.String())
		}

		out.Reset()
		if err := listLinkHistory(ctx, db, acme.Link.URL, &out); err != nil {
			t.Fatalf("listLinkHistory() error = %v", err)
		}
		if !strings.Contains(out.String(), "was not broken") {
			t.Errorf("unexpected output: %s", out.String())
		}
	})

	t.Run("with data", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		saveReports(t, db,
			storedReport(testSeed, day1, acme),
			storedReport(testSeed, day2, acme),
			storedReport("https://other.example.com/apps", day2),
		)

		var out bytes.Buffer
		if err := listScannedSeeds(ctx, db, &out); err != nil {
			t.Fatalf("listScannedSeeds() error = %v", err)
		}
		if !strings.Contains(out.String(), "Scanned seeds (2)") || !strings.Contains(out.String(), testSeed) {
			t.Errorf("unexpected output: %s", out.String())
		}

		out.Reset()
		if err := listScanHistory(ctx, db, testSeed, &out); err != nil {
			t.Fatalf("listScanHistory() error = %v", err)
		}
		text := out.String()
		if !strings.Contains(text, "(2 scans)") || !strings.Contains(text, "2026-02-01 12:00:00") {
			t.Errorf("unexpected history output: %s", text)
		}
		if strings.Index(text, "2026-02-01") > strings.Index(text, "2026-01-01") {
			t.Errorf("expected newest scan first:\n%s", text)
		}

		out.Reset()
		if err := listLinkHistory(ctx, db, acme.Link.URL, &out); err != nil {
			t.Fatalf("listLinkHistory() error = %v", err)
		}
		if !strings.Contains(out.String(), "broken in 2 scan(s)") || !strings.Contains(out.String(), "404 Not Found") {
			t.Errorf("unexpected link history: %s", out.String())
		}
	})
}
