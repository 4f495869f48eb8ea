package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/database"
	"github.com/nao1215/linkscan/internal/httpclient"
	"github.com/nao1215/linkscan/internal/log"
	"github.com/nao1215/linkscan/internal/metrics"
	"github.com/nao1215/linkscan/internal/model"
	"github.com/nao1215/linkscan/internal/report"
	"github.com/nao1215/linkscan/internal/scan"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Exit codes of the scan command.
const (
	exitBrokenLinks = 2
	exitInterrupted = 130
)

// exitError carries a process exit code through cobra.
// An empty message exits silently.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// exitCode extracts the exit code from an exitError.
func exitCode(err error) (int, bool) {
	var e *exitError
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <seed-url>...",
		Short: "Scan a paginated listing for broken links",
		Long: `Scan walks every page of a listing, extracts the outbound links of each
entry and checks them with HEAD (falling back to GET).

Links answering 2xx or 3xx (within the redirect limit) are OK. Links answering
4xx or 5xx, timing out or failing at the network level are reported as broken.
Network errors, timeouts, 429, 502, 503 and 504 are retried with backoff.

Press Ctrl+C to stop a scan. Checks already in flight finish and the partial
report is printed.

Examples:
  # Scan a marketplace listing
  linkscan scan https://marketplace.example.com/apps

  # Only check setup guides and documentation links
  linkscan scan --link-types SetupGuide,Documentation https://marketplace.example.com/apps

  # Scan a docs index that links to its next page
  linkscan scan --source docs https://docs.example.com/

  # Write a CSV of broken links and fail CI when any exist
  linkscan scan --csv -o broken.csv --fail-on-broken https://marketplace.example.com/apps

  # Scan several listings, two at a time
  linkscan scan -b 2 https://a.example.com/apps https://b.example.com/apps`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScanCmd,
	}

	f := cmd.Flags()

	// Listing flags
	f.StringP("source", "s", config.DefaultSource,
		"Source template (marketplace, docs, sitemap or one defined in the config file)")
	f.IntP("max-pages", "p", config.DefaultMaxPages,
		"Maximum number of listing pages (0 for unlimited)")
	f.Duration("delay", config.DefaultPageDelay,
		"Delay between listing page fetches")
	f.StringSliceP("link-types", "l", nil,
		"Only check these link types (comma separated, e.g. SetupGuide,Documentation)")

	// Check flags
	f.IntP("concurrency", "n", config.DefaultMaxConcurrency,
		"Maximum number of link checks in flight")
	f.Int("per-host", config.DefaultPerHostConcurrency,
		"Maximum number of link checks in flight per host")
	f.Float64("rate", 0,
		"Requests per second per host (0 disables rate limiting)")
	f.DurationP("timeout", "t", config.DefaultTimeout,
		"Timeout for each request")
	f.IntP("retries", "r", config.DefaultMaxRetries,
		"Retries for network errors, timeouts, 429, 502, 503 and 504")
	f.Int("max-redirects", config.DefaultMaxRedirects,
		"Redirect hops still reported as OK")
	f.String("proxy", "",
		"Proxy URL (http://, https:// or socks5://host:port)")

	// Batch scanning flags
	f.IntP("batch", "b", config.DefaultBatchSize,
		"Number of seeds scanned concurrently")

	// Configuration file
	f.StringP("config", "c", "",
		"Configuration file path (default: .linkscan in current or home directory)")

	// Report flags
	f.BoolP("json", "j", false,
		"Output JSON report")
	f.BoolP("markdown", "m", false,
		"Output Markdown report")
	f.Bool("csv", false,
		"Output CSV (one row per broken link)")
	f.StringP("output", "o", "",
		"Write report to specified file path (creates directories if needed)")
	f.Bool("progress", false,
		"Print progress to stderr while scanning")
	f.Bool("fail-on-broken", false,
		"Exit with status 2 when broken links are found")
	f.Bool("no-save", false,
		"Do not store the result in the history database")
	f.String("metrics-addr", "",
		"Serve Prometheus metrics on this address while scanning (e.g. 127.0.0.1:9090)")

	cmd.MarkFlagsMutuallyExclusive("json", "markdown", "csv")

	return cmd
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := log.NewSecureLogger(cmd.ErrOrStderr(), cfg.Verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runScan(ctx, cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig layers defaults, the config file, .env and LINKSCAN_*
// variables, and finally the flags the user actually set.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	var err error
	cfg.ConfigFilePath, err = flags.GetString("config")
	if err != nil {
		return nil, err
	}
	if err := loadConfigFile(cfg); err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := applyScanFlags(cfg, flags); err != nil {
		return nil, err
	}

	cfg.Verbose = getVerboseFlag(cmd)
	cfg.Targets = args
	return cfg, nil
}

// loadConfigFile applies the config file to cfg. A missing file is only an
// error when the user named it explicitly.
func loadConfigFile(cfg *config.Config) error {
	explicit := cfg.ConfigFilePath != ""
	path := config.FindConfigFile(cfg.ConfigFilePath)
	if path == "" {
		if explicit {
			return fmt.Errorf("configuration file not found: %s", cfg.ConfigFilePath)
		}
		return nil
	}

	file, err := config.LoadConfigFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := cfg.ApplyFile(file); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// applyScanFlags copies explicitly set flags into cfg.
func applyScanFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	ints := map[string]*int{
		"concurrency":   &cfg.MaxConcurrency,
		"per-host":      &cfg.PerHostConcurrency,
		"retries":       &cfg.MaxRetries,
		"max-redirects": &cfg.MaxRedirects,
		"max-pages":     &cfg.MaxPages,
		"batch":         &cfg.BatchSize,
	}
	for name, dst := range ints {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"timeout": &cfg.Timeout,
		"delay":   &cfg.PageDelay,
	}
	for name, dst := range durations {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	strs := map[string]*string{
		"source":       &cfg.Source,
		"proxy":        &cfg.ProxyURL,
		"output":       &cfg.ReportFile,
		"metrics-addr": &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	bools := map[string]*bool{
		"json":           &cfg.JSONReport,
		"markdown":       &cfg.MarkdownReport,
		"csv":            &cfg.CSVReport,
		"progress":       &cfg.ShowProgress,
		"fail-on-broken": &cfg.FailOnBroken,
	}
	for name, dst := range bools {
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	noSave, err := flags.GetBool("no-save")
	if err != nil {
		return err
	}
	if noSave {
		cfg.SaveToDB = false
	}

	if flags.Changed("rate") {
		if cfg.PerHostRate, err = flags.GetFloat64("rate"); err != nil {
			return err
		}
	}

	if flags.Changed("link-types") {
		names, err := flags.GetStringSlice("link-types")
		if err != nil {
			return err
		}
		types, err := model.ParseLinkTypes(names)
		if err != nil {
			return fmt.Errorf("invalid --link-types: %w", err)
		}
		cfg.AllowedLinkTypes = types
	}

	return nil
}

// scanOutcome tracks what the reports of one invocation looked like.
type scanOutcome struct {
	failed    int
	cancelled int
	broken    int
}

func (o *scanOutcome) add(r *model.ScanReport) {
	switch r.State {
	case model.ScanStateFailed:
		o.failed++
	case model.ScanStateCancelled:
		o.cancelled++
	}
	o.broken += len(r.BrokenLinks)
}

// runScan scans every target and writes one report per seed.
func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) error {
	logger.Info("starting scan",
		"targets", len(cfg.Targets),
		"source", cfg.Source,
		"batchSize", cfg.BatchSize,
		"saveToDB", cfg.SaveToDB,
	)

	stderr = &lockedWriter{w: stderr}

	if err := checkProxy(ctx, cfg); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	var db *database.ScanDB
	if cfg.SaveToDB {
		var err error
		db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		logger.Info("database opened", "dir", cfg.DBDir)
	}

	output, closeOutput, err := openReportOutput(cfg.ReportFile, stdout)
	if err != nil {
		return err
	}
	defer closeOutput()
	writer := newReportWriter(cfg, output)

	var opts []scan.Option
	if cfg.ShowProgress {
		opts = append(opts, scan.WithReporter(newProgressPrinter(stderr)))
	}

	runner := scan.NewBatchRunner(
		func() (*scan.Coordinator, error) {
			return scan.NewFromConfig(cfg, logger, opts...)
		},
		scan.WithBatchConcurrency(min(cfg.BatchSize, len(cfg.Targets))),
		scan.WithBatchLogger(logger),
	)

	var (
		mu      sync.Mutex
		outcome scanOutcome
	)
	startTime := time.Now()
	runErr := runner.RunWithCallback(ctx, cfg.Targets, func(r *model.ScanReport, index int) {
		mu.Lock()
		defer mu.Unlock()

		outcome.add(r)
		fmt.Fprintf(stderr, "[%d/%d] %s: %s\n", index+1, len(cfg.Targets), r.SeedURL, report.StatusText(r))

		if _, err := writer.Write(r); err != nil {
			logger.Error("report failed", "seed", r.SeedURL, "error", err)
		}
		if err := saveScanReport(ctx, db, r, logger); err != nil {
			logger.Error("failed to save scan report", "seed", r.SeedURL, "error", err)
		}
	})

	if len(cfg.Targets) > 1 {
		fmt.Fprintf(stderr, "Scanned %d seed(s) in %s\n", len(cfg.Targets), time.Since(startTime).Round(time.Millisecond))
	}

	return scanResult(cfg, &outcome, runErr)
}

// scanResult maps the outcome of all seeds to the command's exit status.
func scanResult(cfg *config.Config, outcome *scanOutcome, runErr error) error {
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if outcome.cancelled > 0 || runErr != nil {
		return &exitError{code: exitInterrupted}
	}
	if outcome.failed > 0 {
		return fmt.Errorf("%d of %d scan(s) failed", outcome.failed, len(cfg.Targets))
	}
	if cfg.FailOnBroken && outcome.broken > 0 {
		return &exitError{code: exitBrokenLinks}
	}
	return nil
}

// checkProxy verifies a SOCKS5 proxy before any page is fetched.
func checkProxy(ctx context.Context, cfg *config.Config) error {
	if cfg.ProxyURL == "" {
		return nil
	}
	client, err := httpclient.New(cfg.Timeout, httpclient.WithProxy(cfg.ProxyURL))
	if err != nil {
		return fmt.Errorf("invalid proxy: %w", err)
	}
	if status := client.CheckConnection(ctx); status != httpclient.ProxyStatusOK {
		return fmt.Errorf("proxy check failed: %s", status)
	}
	return nil
}

// openReportOutput returns the destination for reports. Report files are
// created with 0600 because they may contain private listing URLs.
func openReportOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return stdout, func() {}, nil
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // User-provided output path is intentional
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil //nolint:errcheck // Best effort close
}

// newReportWriter selects the report format.
func newReportWriter(cfg *config.Config, output io.Writer) report.Writer {
	switch {
	case cfg.JSONReport:
		return report.NewFullJSONWriter(output, getVersion(), report.WithPrettyPrint())
	case cfg.MarkdownReport:
		return report.NewMarkdownWriter(output)
	case cfg.CSVReport:
		return report.NewCSVWriter(output)
	default:
		return report.NewSimpleWriter(output, report.WithVerbose(cfg.Verbose))
	}
}

// newProgressPrinter prints one line per progress snapshot. It is shared by
// every seed of a batch.
func newProgressPrinter(w io.Writer) scan.Reporter {
	return scan.ReporterFunc(func(p model.ScanProgress) {
		fmt.Fprintf(w, "%s  %-11s pages %d/%d  links %d/%d (%.0f%%)  broken %d\n",
			p.SeedURL, p.State,
			p.ScannedPages, p.TotalPages,
			p.ScannedLinks, p.TotalLinks, p.Percent(),
			p.BrokenCount,
		)
	})
}

// lockedWriter serializes writes from progress reporters and scan callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// saveScanReport stores the report. A nil db is a no-op. The save outlives
// an interrupted ctx so that partial reports are kept.
func saveScanReport(ctx context.Context, db *database.ScanDB, r *model.ScanReport, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	id, err := db.SaveScanReport(context.WithoutCancel(ctx), r)
	if err != nil {
		return fmt.Errorf("failed to save scan report: %w", err)
	}

	logger.Info("scan report saved to database", "seed", r.SeedURL, "id", id)
	return nil
}
