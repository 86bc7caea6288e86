package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/config"
	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/heartbeat"
	"github.com/vinayprograms/presencekit/telemetry"
)

// heartbeatCmd sends heartbeats on behalf of a device.
var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <device-id>",
	Short: "Send heartbeats for a device",
	Long: `Send heartbeats for a device until interrupted or --count is reached.

With --server the heartbeats are posted to the status API of a running
presenced. Otherwise they are published on the NATS bus named in the config.

Example:
  presenced heartbeat lamp-1 --server http://localhost:8080
  presenced heartbeat lamp-1 --interval 5s --count 3 --meta room=kitchen`,
	Args: cobra.ExactArgs(1),
	RunE: runHeartbeat,
}

func init() {
	rootCmd.AddCommand(heartbeatCmd)
	heartbeatCmd.Flags().String("server", "", "post to this presenced instead of the bus")
	heartbeatCmd.Flags().Duration("interval", 5*time.Second, "time between heartbeats")
	heartbeatCmd.Flags().Int("count", 1, "heartbeats to send, 0 for unlimited")
	heartbeatCmd.Flags().StringToString("meta", nil, "metadata attached to each heartbeat")
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := heartbeat.ValidateDeviceID(id); err != nil {
		return err
	}

	server, _ := cmd.Flags().GetString("server")
	interval, _ := cmd.Flags().GetDuration("interval")
	count, _ := cmd.Flags().GetInt("count")
	meta, _ := cmd.Flags().GetStringToString("meta")
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if count < 0 {
		return fmt.Errorf("count must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if server != "" {
		return postHeartbeats(ctx, cmd, server, id, meta, interval, count)
	}
	return publishHeartbeats(ctx, cmd, id, meta, interval, count)
}

// postHeartbeats sends heartbeats through the HTTP API.
func postHeartbeats(ctx context.Context, cmd *cobra.Command, server, id string, meta map[string]string, interval time.Duration, count int) error {
	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := strings.TrimRight(server, "/") + "/api/devices/" + url.PathEscape(id) + "/heartbeat"

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; count == 0 || sent < count; {
		if err := postHeartbeat(ctx, client, endpoint, meta); err != nil {
			return err
		}
		sent++
		fmt.Fprintf(cmd.OutOrStdout(), "heartbeat %d sent for %s\n", sent, id)
		if count != 0 && sent >= count {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func postHeartbeat(ctx context.Context, client *http.Client, endpoint string, meta map[string]string) (err error) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "POST /api/devices/{id}/heartbeat",
		trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	var body bytes.Buffer
	if len(meta) > 0 {
		if err := json.NewEncoder(&body).Encode(map[string]interface{}{"metadata": meta}); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "heartbeat request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr errors.Error
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Code() != "" {
			return &apiErr
		}
		return errors.Newf(errors.ErrCodeInternal, "unexpected status %d", resp.StatusCode)
	}
	return nil
}

// publishHeartbeats sends heartbeats over the configured NATS bus.
func publishHeartbeats(ctx context.Context, cmd *cobra.Command, id string, meta map[string]string, interval time.Duration, count int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Bus.Backend != config.BackendNATS {
		return fmt.Errorf("bus backend %q is in-process; use --server or a nats bus", cfg.Bus.Backend)
	}

	nc := bus.DefaultNATSConfig()
	nc.URL = cfg.Bus.URL
	nc.Name = "presenced-heartbeat"
	b, err := bus.NewNATSBus(nc)
	if err != nil {
		return err
	}
	defer b.Close()

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:      b,
		DeviceID: id,
		Interval: interval,
		Count:    count,
	})
	if err != nil {
		return err
	}
	for k, v := range meta {
		sender.SetMetadata(k, v)
	}

	if err := sender.Start(ctx); err != nil {
		return err
	}
	select {
	case <-sender.Done():
	case <-ctx.Done():
	}
	sender.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "%d heartbeats sent for %s\n", sender.Sent(), id)
	return nil
}
