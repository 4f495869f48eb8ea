package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/linkscan/internal/config"
	"github.com/nao1215/linkscan/internal/database"
	"github.com/nao1215/linkscan/internal/log"
	"github.com/nao1215/linkscan/internal/server"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan API over HTTP",
		Long: `Serve starts an HTTP API for dashboards and other front ends.

Endpoints:
  POST   /api/v1/scans              start a scan ({"url": "...", "source": "..."})
  GET    /api/v1/scans              list scans
  GET    /api/v1/scans/{id}         progress and state
  GET    /api/v1/scans/{id}/report  report (?format=json|markdown|csv|text)
  DELETE /api/v1/scans/{id}         cancel a scan
  GET    /healthz                   liveness
  GET    /metrics                   Prometheus metrics

Check limits come from the configuration file and LINKSCAN_* variables.

Examples:
  # Listen on the default address
  linkscan serve

  # Listen on all interfaces with JSON logs
  linkscan serve -a :8080 --json-log`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().StringP("addr", "a", config.DefaultServeAddress,
		"Listen address")
	cmd.Flags().StringP("config", "c", "",
		"Configuration file path (default: .linkscan in current or home directory)")
	cmd.Flags().Int("max-scans", server.DefaultMaxActiveScans,
		"Number of scans allowed to run at once")
	cmd.Flags().Bool("no-save", false,
		"Do not store finished scans in the history database")
	cmd.Flags().Bool("json-log", false,
		"Write logs as JSON")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	cfg := config.NewConfig()
	var err error
	if cfg.ConfigFilePath, err = flags.GetString("config"); err != nil {
		return err
	}
	if err := loadConfigFile(cfg); err != nil {
		return err
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if flags.Changed("addr") {
		if cfg.ServeAddress, err = flags.GetString("addr"); err != nil {
			return err
		}
	}
	if err := cfg.ValidateCheckSettings(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	maxScans, err := flags.GetInt("max-scans")
	if err != nil {
		return err
	}
	noSave, err := flags.GetBool("no-save")
	if err != nil {
		return err
	}
	jsonLog, err := flags.GetBool("json-log")
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if getVerboseFlag(cmd) {
		level = slog.LevelDebug
	}
	logger := log.NewSecureLoggerWithLevel(cmd.ErrOrStderr(), level, jsonLog)
	slog.SetDefault(logger)

	opts := []server.ManagerOption{
		server.WithMaxActiveScans(maxScans),
		server.WithManagerLogger(logger),
	}
	if !noSave {
		db, err := database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		logger.Info("database opened", "path", db.Path())
		opts = append(opts, server.WithStore(db))
	}

	manager := server.NewManager(server.ConfigFactory(cfg, logger), opts...)
	srv := server.New(manager,
		server.WithLogger(logger),
		server.WithVersion(getVersion()),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx, cfg.ServeAddress)
}
