// Package main is the entry point for the presenced CLI.
//
// Usage:
//
//	presenced serve -c presence.toml        # Run the presence engine
//	presenced status [device-id]            # Query the status API
//	presenced heartbeat <device-id>         # Send heartbeats for a device
//	presenced simulate --devices 5          # Run an in-process demo
//	presenced version                       # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/presencekit/config"
	"github.com/vinayprograms/presencekit/logging"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "presenced",
	Short: "Device presence tracking engine",
	Long: `presenced tracks whether devices are online from their heartbeats.

Each heartbeat marks a device online and schedules a timeout-check; a device
that stays silent longer than offline_after is announced offline. Status
changes are published on the bus and streamed to browsers over SSE and
WebSocket.

Quick start:
  1. Run: presenced serve
  2. Send: presenced heartbeat lamp-1 --server http://localhost:8080
  3. Query: presenced status lamp-1`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "presenced %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (.toml or .yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config named by --config, or the first file in the
// standard locations, then applies environment and flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, _, err = config.Find()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger creates the process logger at the configured level.
func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New()
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	return logger
}
