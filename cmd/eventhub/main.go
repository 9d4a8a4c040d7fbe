package main

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stockline/eventcore/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "eventhub",
		Short: "Run and inspect the eventcore event hub",
		Long: `eventhub runs the event bus and realtime gateway for one service instance.
It also inspects dead-lettered deliveries and the broker topology it declares.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	load := func() (config.Config, []config.Problem) {
		cfg, problems := config.Load()
		if logLevel != "" {
			switch strings.ToLower(logLevel) {
			case "debug", "info", "warn", "warning", "error":
				cfg.LogLevel = logLevel
			default:
				problems = append(problems, config.Problem{Field: "--log-level", Message: "must be debug, info, warn or error"})
			}
		}
		return cfg, problems
	}

	rootCmd.AddCommand(
		newServeCommand(load),
		newDLQCommand(load),
		newTopologyCommand(load),
	)
	return rootCmd
}

// configLoader returns the configuration and every problem found. Only serve
// treats problems as fatal; the inspection commands need just a subset.
type configLoader func() (config.Config, []config.Problem)

func printRule(w io.Writer, n int) {
	fmt.Fprintln(w, strings.Repeat("-", n))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
