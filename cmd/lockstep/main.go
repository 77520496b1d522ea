// Command lockstep runs, spawns, inspects and benchmarks shared-memory cycle
// barriers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

var (
	logLevel  string // Log verbosity level
	logFormat string // Log output format
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "lockstep",
	Short:         "Cycle-accurate lockstep barrier over shared memory",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
}

// setupLogging installs the default logger. CLI processes are short-lived, so
// writes are synchronous and nothing is lost on exit.
func setupLogging(level, format string) error {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = lvl
	cfg.Format = format
	cfg.Sync = true
	logging.SetDefault(logging.NewLogger(cfg))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(runCmd, spawnCmd, inspectCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Default().WithError(err).Error("command failed", "command", commandName())
		os.Exit(1)
	}
}

func commandName() string {
	cmd, _, err := rootCmd.Find(os.Args[1:])
	if err != nil || cmd == nil {
		return rootCmd.Name()
	}
	return cmd.Name()
}
