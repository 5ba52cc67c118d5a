package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rsclarke/warden/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logger *zap.Logger

var logFlags = logging.FromEnv()

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Protective automation for a served file tree",
	Long: `warden serves a directory of files and keeps it safe: it scans the tree
for malware and quarantines detections, keeps tiered incremental backups,
refuses requests from blocked addresses and checks address reputation
against a rate-limited upstream service.

Run "warden server" on the host, then use the other commands to operate
it through the management API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logFlags)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logFlags.Level, "log-level", logFlags.Level, "log level: debug, info, warn or error (WARDEN_LOG_LEVEL)")
	pf.StringVar(&logFlags.Format, "log-format", logFlags.Format, "log format: json or console (WARDEN_LOG_FORMAT)")
	pf.StringVar(&logFlags.Output, "log-output", logFlags.Output, "stderr, stdout or a file path (WARDEN_LOG_OUTPUT)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultVal
}

// getEnvDuration falls back to defaultVal when the variable is unset or
// does not parse.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}
