package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rayrabbit/rayrabbit/logging"
)

// Version is set at build time.
var Version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "rayrabbit",
	Short: "rayrabbit - multi-agent message bus",
	Long: `rayrabbit routes typed messages between agents, lets them discover each
other by capability and exposes them over A2A and MCP style coordinators.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

// newLogger builds the process logger. An explicit --log-level wins
// over level.
func newLogger(w io.Writer, level logging.Level) (*logging.Logger, error) {
	if logLevel != "" {
		lvl, err := logging.ParseLevel(logLevel)
		if err != nil {
			return nil, err
		}
		level = lvl
	}
	l := logging.New()
	l.SetOutput(w)
	l.SetLevel(level)
	return l, nil
}
