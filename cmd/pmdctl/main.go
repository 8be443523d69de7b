package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pmdctl",
	Short: "Polar Measurement Data command-line tool",
	Long: `Command-line client for sensors exposing the Polar Measurement Data (PMD) service:

- Query supported measurement types, battery level and measurement settings
- Stream ECG, accelerometer and heart rate data as text or JSON lines
- Serve live data to websocket clients, publish it to Redis and expose Prometheus metrics

Device clock timestamps are correlated into connection-relative milliseconds.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(batteryCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(serveCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Configuration file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Control point request timeout (default from config, 5s)")
	rootCmd.PersistentFlags().Duration("connect-timeout", 0, "Connection timeout (default from config, 20s)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("pmdctl {{.Version}} (commit %s, built %s)\n", commit, date))
}
