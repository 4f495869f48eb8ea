package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/crawler"
	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/linkscan/internal/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newListingSite serves a two-page listing with one dead link.
func newListingSite(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/apps", func(w http.ResponseWriter, r *http.Request) {
		p, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if p == 0 {
			p = 1
		}
		fmt.Fprint(w, `<html><body><nav data-total-pages="2"></nav>`)
		for i := range 3 {
			fmt.Fprintf(w, `<div class="app-card" data-app-name="App %[1]d-%[2]d">
				<a href="/links/%[1]d-%[2]d/docs" data-link-type="Documentation">Docs</a>
				<a href="/links/%[1]d-%[2]d/support">Support</a>
			</div>`, p, i)
		}
		fmt.Fprint(w, `</body></html>`)
	})
	mux.HandleFunc("/links/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/links/1-2/docs" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.PageDelay = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

// stallingSite yields one page, then blocks until the scan is cancelled.
type stallingSite struct{}

func (stallingSite) Enumerate(ctx context.Context, baseURL string) iter.Seq2[*crawler.Listing, error] {
	return func(yield func(*crawler.Listing, error) bool) {
		if !yield(&crawler.Listing{Page: model.PageRef{PageNumber: 1, URL: baseURL}}, nil) {
			return
		}
		<-ctx.Done()
		yield(nil, ctx.Err())
	}
}

func (stallingSite) Extract(_ context.Context, listing *crawler.Listing) ([]model.Item, error) {
	link := model.CandidateLink{URL: listing.Page.URL + "/docs", AppName: "Stall", PageNumber: 1}
	return []model.Item{{AppName: "Stall", PageNumber: 1, Links: []model.CandidateLink{link}}}, nil
}

type okChecker struct{}

func (okChecker) Check(_ context.Context, link model.CandidateLink) model.LinkResult {
	return model.LinkResult{Link: link, Outcome: model.OK(200), Attempts: 1}
}

func stallingFactory(ScanRequest) (*scan.Coordinator, error) {
	return scan.New(stallingSite{}, stallingSite{}, okChecker{}), nil
}

// memoryStore is an in-memory Store.
type memoryStore struct {
	mu      sync.Mutex
	reports map[string]*model.ScanReport
}

func newMemoryStore() *memoryStore {
	return &memoryStore{reports: make(map[string]*model.ScanReport)}
}

func (s *memoryStore) SaveScanReport(_ context.Context, report *model.ScanReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.ID] = report
	return int64(len(s.reports)), nil
}

func (s *memoryStore) GetScanReportByScanID(_ context.Context, id string) (*model.ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[id], nil
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func startScan(t *testing.T, h http.Handler, seed string) string {
	t.Helper()

	rec := do(t, h, http.MethodPost, "/api/v1/scans", `{"url":"`+seed+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, "/api/v1/scans/"+resp.ID, rec.Header().Get("Location"))
	return resp.ID
}

func waitForState(t *testing.T, h http.Handler, id string, want model.ScanState) model.ScanProgress {
	t.Helper()

	var progress model.ScanProgress
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/v1/scans/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &progress); err != nil {
			return false
		}
		return progress.State == want
	}, 10*time.Second, 10*time.Millisecond)
	return progress
}

func TestScanLifecycle(t *testing.T) {
	t.Parallel()

	site := newListingSite(t)
	store := newMemoryStore()
	manager := NewManager(ConfigFactory(testConfig(), nil), WithStore(store))
	srv := New(manager, WithVersion("v0.0.1"))
	h := srv.Handler()

	id := startScan(t, h, site.URL+"/apps")
	progress := waitForState(t, h, id, model.ScanStateCompleted)
	assert.Equal(t, 12, progress.TotalLinks)
	assert.Equal(t, 12, progress.ScannedLinks)
	assert.Equal(t, 1, progress.BrokenCount)

	t.Run("json report", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/scans/"+id+"/report", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body struct {
			Version string            `json:"version"`
			Report  *model.ScanReport `json:"report"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "v0.0.1", body.Version)
		require.Len(t, body.Report.BrokenLinks, 1)
		assert.Equal(t, 404, body.Report.BrokenLinks[0].Outcome.Status)
		assert.Equal(t, site.URL+"/links/1-2/docs", body.Report.BrokenLinks[0].Link.URL)
	})

	t.Run("other formats", func(t *testing.T) {
		tests := []struct {
			format      string
			contentType string
			contains    string
		}{
			{"csv", "text/csv; charset=utf-8", "/links/1-2/docs"},
			{"markdown", "text/markdown; charset=utf-8", "# Linkscan Report"},
			{"text", "text/plain; charset=utf-8", "LINKSCAN REPORT"},
		}
		for _, tt := range tests {
			rec := do(t, h, http.MethodGet, "/api/v1/scans/"+id+"/report?format="+tt.format, "")
			require.Equal(t, http.StatusOK, rec.Code, tt.format)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.contains)
		}

		rec := do(t, h, http.MethodGet, "/api/v1/scans/"+id+"/report?format=pdf", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/scans", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var list []model.ScanProgress
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, id, list[0].ScanID)
	})

	t.Run("cancel after finish conflicts", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/api/v1/scans/"+id, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("report survives restart through the store", func(t *testing.T) {
		require.Eventually(t, func() bool { return store.len() == 1 }, 5*time.Second, 10*time.Millisecond)

		restarted := New(NewManager(ConfigFactory(testConfig(), nil), WithStore(store))).Handler()
		rec := do(t, restarted, http.MethodGet, "/api/v1/scans/"+id+"/report", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "/links/1-2/docs")

		rec = do(t, restarted, http.MethodGet, "/api/v1/scans/"+id, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCreateScanValidation(t *testing.T) {
	t.Parallel()

	h := New(NewManager(ConfigFactory(testConfig(), nil))).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"url":`},
		{"unknown field", `{"url":"https://example.com/","depth":3}`},
		{"empty url", `{"url":""}`},
		{"relative url", `{"url":"/apps"}`},
		{"ftp url", `{"url":"ftp://example.com/apps"}`},
		{"negative max pages", `{"url":"https://example.com/","max_pages":-1}`},
		{"unknown link type", `{"url":"https://example.com/","link_types":["Changelog"]}`},
		{"unknown source", `{"url":"https://example.com/","source":"nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/scans", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestUnknownScan(t *testing.T) {
	t.Parallel()

	h := New(NewManager(stallingFactory)).Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/scans/missing"},
		{http.MethodGet, "/api/v1/scans/missing/report"},
		{http.MethodDelete, "/api/v1/scans/missing"},
	} {
		rec := do(t, h, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
	}
}

func TestCancelScan(t *testing.T) {
	t.Parallel()

	manager := NewManager(stallingFactory)
	h := New(manager).Handler()

	id := startScan(t, h, "https://stall.example.com/apps")
	waitForState(t, h, id, model.ScanStateExtracting)

	rec := do(t, h, http.MethodDelete, "/api/v1/scans/"+id, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	progress := waitForState(t, h, id, model.ScanStateCancelled)
	assert.LessOrEqual(t, progress.ScannedLinks, progress.TotalLinks)

	rec = do(t, h, http.MethodGet, "/api/v1/scans/"+id+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"cancelled"`)
}

func TestTooManyScans(t *testing.T) {
	t.Parallel()

	manager := NewManager(stallingFactory, WithMaxActiveScans(1))
	h := New(manager).Handler()
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	startScan(t, h, "https://stall.example.com/a")

	rec := do(t, h, http.MethodPost, "/api/v1/scans", `{"url":"https://stall.example.com/b"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestManagerEvictsFinishedScans(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	manager := NewManager(stallingFactory, WithStore(store), WithMaxRetainedScans(2))
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	var ids []string
	for i := range 3 {
		run, err := manager.Start(ScanRequest{URL: fmt.Sprintf("https://stall.example.com/%d", i)})
		require.NoError(t, err)
		run.Cancel()
		run.Wait()
		ids = append(ids, run.ID())
		require.Eventually(t, func() bool { return store.len() == i+1 }, 5*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(manager.List()) == 2 }, 5*time.Second, 10*time.Millisecond)

	_, ok := manager.Get(ids[0])
	assert.False(t, ok, "the oldest finished scan leaves memory")
	_, ok = manager.Get(ids[2])
	assert.True(t, ok)

	report, err := manager.Report(context.Background(), ids[0])
	require.NoError(t, err, "evicted scans are served from the store")
	assert.Equal(t, ids[0], report.ID)
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	manager := NewManager(stallingFactory, WithStore(store))
	h := New(manager).Handler()

	id := startScan(t, h, "https://stall.example.com/apps")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, manager.Shutdown(ctx))

	saved, err := store.GetScanReportByScanID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.ScanStateCancelled, saved.State)

	rec := do(t, h, http.MethodPost, "/api/v1/scans", `{"url":"https://stall.example.com/apps"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	h := New(NewManager(stallingFactory), WithVersion("v9")).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v9"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_server_requests_total")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	h := New(NewManager(stallingFactory)).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	handler := requestLogger(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func TestReportWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, format := range []string{"", "json", "md", "markdown", "csv", "text"} {
		w, contentType, err := reportWriter(&buf, format, "v1")
		require.NoError(t, err, format)
		assert.NotNil(t, w)
		assert.NotEmpty(t, contentType)
	}

	_, _, err := reportWriter(&buf, "xml", "v1")
	assert.Error(t, err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
