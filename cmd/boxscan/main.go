package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "boxscan"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	var (
		configPath string
		logLevel   string
		jsonLogs   bool
	)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Box spread arbitrage scanner for index options",
		Version: version,
		Long: `boxscan searches option chains for box spreads whose premium, after
slippage, fees and margin, is mispriced against the strike width.

It paces every market data call under per-endpoint rate limits, caches the
instrument catalog on disk and ranks opportunities by ROI-weighted edge.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel, jsonLogs)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error); overrides config")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs even on a terminal")

	var opts scanFlags
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan and print ranked opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), configPath, logLevel, opts)
		},
	}
	opts.bind(scanCmd)
	scanCmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")

	var runOpts scanFlags
	var monitor bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan continuously at the configured interval",
		Long:  "Runs full scans until interrupted. A signal stops the loop after the scan in flight completes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd.Context(), configPath, logLevel, runOpts, monitor)
		},
	}
	runOpts.bind(runCmd)
	runCmd.Flags().BoolVar(&monitor, "monitor", false, "Serve /health, /metrics, /opportunities and /limits")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the instrument catalog cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the cached catalog file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCacheClear(cmd.Context(), configPath, logLevel)
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Fetch the catalog from upstream and rewrite the cache",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCacheRefresh(cmd.Context(), configPath, logLevel)
			},
		},
	)

	var expOpts scanFlags
	expiriesCmd := &cobra.Command{
		Use:   "expiries",
		Short: "List the expiries a scan would cover",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpiries(cmd.Context(), configPath, logLevel, expOpts)
		},
	}
	expOpts.bindTarget(expiriesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(scanCmd, runCmd, cacheCmd, expiriesCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise.
func setupLogging(level string, jsonLogs bool) {
	if !jsonLogs && term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	applyLevel(level)
}

func applyLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
