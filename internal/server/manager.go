package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/linkscan/internal/scan"
)

// DefaultMaxActiveScans is the number of scans allowed to run at once.
const DefaultMaxActiveScans = 4

// DefaultMaxRetainedScans is the number of finished scans kept in memory.
// Older ones are served from the store.
const DefaultMaxRetainedScans = 100

// ScanRequest is the body of POST /api/v1/scans.
type ScanRequest struct {
	// URL is the seed listing URL.
	URL string `json:"url"`

	// Source selects the source template. Empty uses the server default.
	Source string `json:"source,omitempty"`

	// LinkTypes restricts the checked link types.
	LinkTypes []string `json:"link_types,omitempty"`

	// MaxPages caps the number of listing pages.
	MaxPages *int `json:"max_pages,omitempty"`
}

// Validate checks the request fields that can be checked without a config.
func (r ScanRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url is empty", ErrInvalidRequest)
	}
	if !config.IsValidTarget(r.URL) {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	if r.MaxPages != nil && *r.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must not be negative", ErrInvalidRequest)
	}
	if _, err := model.ParseLinkTypes(r.LinkTypes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// CoordinatorFactory builds a coordinator for one request.
type CoordinatorFactory func(req ScanRequest) (*scan.Coordinator, error)

// ConfigFactory returns a CoordinatorFactory that applies request
// overrides to a copy of cfg.
func ConfigFactory(cfg *config.Config, logger *slog.Logger) CoordinatorFactory {
	return func(req ScanRequest) (*scan.Coordinator, error) {
		c := *cfg
		if req.Source != "" {
			c.Source = req.Source
		}
		if len(req.LinkTypes) > 0 {
			types, err := model.ParseLinkTypes(req.LinkTypes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			c.AllowedLinkTypes = types
		}
		if req.MaxPages != nil {
			c.MaxPages = *req.MaxPages
		}
		coordinator, err := scan.NewFromConfig(&c, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return coordinator, nil
	}
}

// Store persists finished reports. *database.ScanDB implements it.
type Store interface {
	SaveScanReport(ctx context.Context, report *model.ScanReport) (int64, error)
	GetScanReportByScanID(ctx context.Context, scanID string) (*model.ScanReport, error)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore saves every finished scan to store.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithMaxActiveScans sets the number of scans allowed to run at once.
func WithMaxActiveScans(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithMaxRetainedScans sets how many finished scans stay in memory.
func WithMaxRetainedScans(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetained = n
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns the scans started through the API. Scans outlive the
// request that started them and stop when the manager shuts down.
type Manager struct {
	factory     CoordinatorFactory
	store       Store
	logger      *slog.Logger
	maxActive   int
	maxRetained int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs    map[string]*scan.Run
	order   []string
	settled map[string]bool
	closed  bool
}

// NewManager creates a Manager that builds coordinators with factory.
func NewManager(factory CoordinatorFactory, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory:     factory,
		logger:      slog.New(slog.DiscardHandler),
		maxActive:   DefaultMaxActiveScans,
		maxRetained: DefaultMaxRetainedScans,
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]*scan.Run),
		settled:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates req and starts a scan in the background.
func (m *Manager) Start(req ScanRequest) (*scan.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if m.activeLocked() >= m.maxActive {
		return nil, ErrTooManyScans
	}

	coordinator, err := m.factory(req)
	if err != nil {
		return nil, err
	}
	run, err := coordinator.Start(m.ctx, req.URL)
	if err != nil {
		return nil, err
	}

	m.runs[run.ID()] = run
	m.order = append(m.order, run.ID())
	m.logger.Info("scan started", "scan_id", run.ID(), "seed", req.URL)

	m.wg.Add(1)
	go m.persist(run)

	return run, nil
}

// persist waits for run to finish and stores its report.
func (m *Manager) persist(run *scan.Run) {
	defer m.wg.Done()
	defer m.settle(run.ID())

	report := run.Wait()
	m.logger.Info("scan finished",
		"scan_id", run.ID(),
		"state", report.State.String(),
		"broken", len(report.BrokenLinks),
	)

	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.store.SaveScanReport(ctx, report); err != nil {
		m.logger.Error("failed to save scan report", "scan_id", run.ID(), "error", err)
	}
}

// settle marks a stored run as evictable and trims the oldest settled runs
// beyond the retention limit.
func (m *Manager) settle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settled[id] = true
	excess := len(m.settled) - m.maxRetained
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, runID := range m.order {
		if excess > 0 && m.settled[runID] {
			delete(m.runs, runID)
			delete(m.settled, runID)
			excess--
			continue
		}
		kept = append(kept, runID)
	}
	m.order = kept
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, run := range m.runs {
		if !run.State().IsTerminal() {
			n++
		}
	}
	return n
}

// Get returns the run with the given ID.
func (m *Manager) Get(id string) (*scan.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok
}

// List returns progress snapshots of every known scan, oldest first.
func (m *Manager) List() []model.ScanProgress {
	m.mu.Lock()
	runs := make([]*scan.Run, 0, len(m.order))
	for _, id := range m.order {
		runs = append(runs, m.runs[id])
	}
	m.mu.Unlock()

	list := make([]model.ScanProgress, 0, len(runs))
	for _, run := range runs {
		list = append(list, run.Progress())
	}
	return list
}

// Report returns the report of a scan. Running scans yield a partial
// report. Scans unknown to this process are looked up in the store.
func (m *Manager) Report(ctx context.Context, id string) (*model.ScanReport, error) {
	if run, ok := m.Get(id); ok {
		return run.Report(), nil
	}
	if m.store == nil {
		return nil, ErrScanNotFound
	}
	report, err := m.store.GetScanReportByScanID(ctx, id)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, ErrScanNotFound
	}
	return report, nil
}

// Cancel stops a running scan. In-flight link checks finish first.
func (m *Manager) Cancel(id string) (*scan.Run, error) {
	run, ok := m.Get(id)
	if !ok {
		return nil, ErrScanNotFound
	}
	if run.State().IsTerminal() {
		return run, ErrScanFinished
	}
	run.Cancel()
	return run, nil
}

// Shutdown cancels every running scan and waits until their reports are
// stored or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
