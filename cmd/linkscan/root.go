// Package main provides the entry point for the linkscan CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for linkscan.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linkscan",
		Short: "Broken-link checker for paginated listing sites",
		Long: `linkscan walks every page of a paginated listing (an app marketplace,
a documentation index, a sitemap), extracts the outbound links of each entry
and reports the ones that are broken.

Results are stored in a local history database so that consecutive scans
can be compared. The serve command exposes the same scans over HTTP.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewCompareCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
// Commands that want a specific exit status return an exitError.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		if code, ok := exitCode(err); ok {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
