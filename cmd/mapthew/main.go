package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "mapthew",
	Short: "Mapthew turns issue-tracker and code-host mentions into coding agent runs.",
	Long: `Mapthew listens for "@<bot> <instruction>" comments and trigger labels on
Jira tickets and GitHub pull requests, queues a job for each, and runs a coding
agent in a per-ticket workspace that is reused across follow-up requests.

Run "mapthew serve" for the webhook receiver and "mapthew worker" for the job
processor. Both share state through the SQLite database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := log.Init(log.Config{Level: log.Level(logLevel), Format: log.Format(logFormat), Output: cmd.ErrOrStderr()}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mapthew.yaml", "Path to the config file (optional unless set explicitly)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", string(log.LevelInfo), "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(log.FormatConsole), "Log format: console, json")
}

// run executes the root command and returns the process exit code.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
