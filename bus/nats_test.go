//go:build integration

package bus

import (
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, err := bus.Subscribe("test.presence.heartbeat")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("test.presence.heartbeat", []byte("d1")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "d1" {
			t.Errorf("data = %q, want %q", msg.Data, "d1")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("test.presence.unsub")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed channel")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}
}

// --- Failure Tests ---

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://invalid-host-that-does-not-exist:4222"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}

	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
