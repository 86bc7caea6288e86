package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/config"
	"github.com/vinayprograms/presencekit/heartbeat"
	"github.com/vinayprograms/presencekit/notify"
	"github.com/vinayprograms/presencekit/shutdown"
)

// simulateCmd runs an engine and a fleet of fake devices in one process.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process demo with simulated devices",
	Long: `Run an engine on an in-memory bus together with simulated devices.

Every second device stops sending after --silent-after heartbeats, so it is
announced offline once offline_after has passed. Status changes are printed
as they happen.

Example:
  presenced simulate --devices 4 --interval 2s --offline-after 5s
  presenced simulate --addr :8080   # also serve the API and streams`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Int("devices", 3, "number of simulated devices")
	simulateCmd.Flags().Duration("interval", 2*time.Second, "heartbeat interval")
	simulateCmd.Flags().Int("silent-after", 3, "heartbeats before half the devices go silent")
	simulateCmd.Flags().Duration("offline-after", 5*time.Second, "silence window")
	simulateCmd.Flags().Duration("duration", 30*time.Second, "how long to run, 0 until interrupted")
	simulateCmd.Flags().String("addr", "", "serve the status API on this address")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	devices, _ := cmd.Flags().GetInt("devices")
	interval, _ := cmd.Flags().GetDuration("interval")
	silentAfter, _ := cmd.Flags().GetInt("silent-after")
	offlineAfter, _ := cmd.Flags().GetDuration("offline-after")
	duration, _ := cmd.Flags().GetDuration("duration")
	addr, _ := cmd.Flags().GetString("addr")

	if devices <= 0 {
		return fmt.Errorf("devices must be positive")
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	cfg := config.Default()
	cfg.Bus.Backend = config.BackendMemory
	cfg.Store.Backend = config.BackendMemory
	cfg.OfflineAfter = config.Duration(offlineAfter)
	cfg.HTTP.Addr = addr
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	} else {
		cfg.LogLevel = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid simulation: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	eng, err := newEngine(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
	eng.register(coord)

	sub, err := eng.bus.Subscribe(bus.SubjectStatus)
	if err != nil {
		eng.closeResources()
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printNotifications(cmd.OutOrStdout(), sub.Messages())
	}()

	if err := eng.start(ctx); err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}

	var senders []*heartbeat.BusSender
	for i := 0; i < devices; i++ {
		count := 0
		if i%2 == 1 {
			count = silentAfter
		}
		s, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
			Bus:      eng.bus,
			DeviceID: fmt.Sprintf("sim-%02d", i+1),
			Interval: interval,
			Count:    count,
		})
		if err != nil {
			coord.ShutdownWithTimeout(0)
			return err
		}
		s.SetMetadata("simulated", "true")
		if err := s.Start(ctx); err != nil {
			coord.ShutdownWithTimeout(0)
			return err
		}
		senders = append(senders, s)
	}

	<-ctx.Done()
	for _, s := range senders {
		s.Stop()
	}
	coord.ShutdownWithTimeout(0)
	<-coord.Done()
	<-printed
	return shutdownError(coord)
}

// printNotifications writes each status change until msgs closes.
func printNotifications(w io.Writer, msgs <-chan *bus.Message) {
	for msg := range msgs {
		n, err := notify.Decode(msg.Data)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s  %-8s %s\n", n.Timestamp.Local().Format("15:04:05.000"), n.Status, n.DeviceID)
	}
}
