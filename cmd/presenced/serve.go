package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/presencekit/shutdown"
)

// serveCmd runs the presence engine until a signal arrives.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the presence engine",
	Long: `Run the presence engine.

The engine will:
  - Restore persisted devices and re-arm their timeout-checks
  - Consume heartbeats and timeout-checks from the bus
  - Publish statusChanged notifications on presence.status
  - Serve the status API, SSE and WebSocket streams on http.addr

The engine runs until interrupted (Ctrl+C) or it receives SIGTERM.

Example:
  presenced serve
  presenced serve -c /etc/presencekit/presence.toml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	sdCfg := shutdown.DefaultConfig()
	sdCfg.Logger = logger.WithComponent("shutdown")
	coord := shutdown.NewCoordinator(sdCfg)
	eng.register(coord)

	stop := coord.HandleSignals()
	defer stop()

	if err := eng.start(ctx); err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	<-coord.Done()
	return shutdownError(coord)
}

// shutdownError names the handlers that failed during shutdown, if any.
func shutdownError(coord *shutdown.Coordinator) error {
	err := coord.Err()
	if err == nil {
		return nil
	}
	if failed := coord.Result().FailedHandlers(); len(failed) > 0 {
		return fmt.Errorf("shutdown (%s failed): %w", strings.Join(failed, ", "), err)
	}
	return fmt.Errorf("shutdown: %w", err)
}
