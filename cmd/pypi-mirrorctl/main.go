// Package main implements the pypi-mirrorctl command-line tool for mirroring PyPI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/pypimirror/internal/metrics"
	"github.com/mirrorctl/pypimirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/pypi-mirrorctl/mirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath    string
	logLevel      string
	verboseErrors bool
	metricsFile   string
)

var rootCmd = &cobra.Command{
	Use:   "pypi-mirrorctl",
	Short: "Mirror the Python Package Index",
	Long: `pypi-mirrorctl keeps a local mirror of a PyPI-compatible index in sync.

Every response that matters for consistency is checked against the
X-PYPI-LAST-SERIAL header, so a stale CDN answer is never stored as current.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the mirror",
	Long: `Synchronizes the mirror directory with the index.

Usage:
  # First run lists every project, later runs only process changes
  pypi-mirrorctl sync

  # Use a custom configuration file
  pypi-mirrorctl sync --config /path/to/custom-location.toml

  # Override the log level
  pypi-mirrorctl sync --log-level debug

  # Export Prometheus metrics for the node exporter textfile collector
  pypi-mirrorctl sync --metrics-file /var/lib/node_exporter/pypimirror.prom`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("pypi-mirrorctl %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(fetchCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&verboseErrors, "verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	changesCmd.Flags().Int64Var(&sinceSerial, "since", 0, "serial to list changes after")
	_ = changesCmd.MarkFlagRequired("since")
	metadataCmd.Flags().Int64Var(&metadataSerial, "serial", 0, "minimum serial the response must carry (0 requires only that a serial header is present)")
	fetchCmd.Flags().BoolVarP(&quietFetch, "quiet", "q", false, "do not show a progress bar")
}

func userAgent() string {
	return "pypi-mirrorctl/" + version
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// exitOnError logs err and terminates the process.
func exitOnError(msg string, err error) {
	if err == nil {
		return
	}
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	writeMetrics()
	os.Exit(1)
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	var keys []string
	var tlsHint bool
	for _, key := range undecoded {
		k := key.String()
		keys = append(keys, k)
		if strings.HasPrefix(k, "tls.") {
			tlsHint = true
		}
	}
	sort.Strings(keys)

	msg := "configuration contains unknown keys: " + strings.Join(keys, ", ")
	if tlsHint {
		msg += "\nNote: TLS settings belong in the [master.tls] section."
	}
	return msg
}

// loadConfig reads the configuration file, applies PYPIMIRROR_* overrides
// and installs the logger. A missing file is only an error when required.
func loadConfig(required bool) (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	switch {
	case os.IsNotExist(err) && !required:
		slog.Debug("configuration file not found, using defaults", "path", configPath)
	case os.IsNotExist(err):
		return nil, errors.Newf("configuration file not found: %s (specify one with --config)", configPath)
	case err != nil:
		return nil, errors.Wrapf(err, "failed to decode config file %s", configPath)
	default:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.New(formatUndecodedError(undecoded))
		}
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "environment overrides")
	}
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "log config")
	}
	return config, nil
}

func writeMetrics() {
	if metricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(metricsFile); err != nil {
		slog.Warn("failed to write metrics", "path", metricsFile, "error", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(_ *cobra.Command, _ []string) {
	config, err := loadConfig(true)
	exitOnError("failed to load configuration", err)

	ctx, cancel := signalContext()
	defer cancel()

	result, err := mirror.Run(ctx, config, userAgent())
	if result != nil {
		for name, ferr := range result.Failed {
			slog.Warn("package not synchronized", "package", name, "error", formatError(ferr, false))
		}
		slog.Info("sync summary",
			"previous_serial", result.Previous,
			"serial", result.Serial,
			"synced", len(result.Synced),
			"removed", len(result.Removed),
			"failed", len(result.Failed))
	}
	exitOnError("mirror run failed", err)
	writeMetrics()
}

func runValidate(_ *cobra.Command, _ []string) {
	config, err := loadConfig(true)
	exitOnError("the toml configuration file is not valid", err)
	exitOnError("the toml configuration file is not valid", config.Check())
	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
