package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/bus"
)

// --- Unit Tests ---

func TestSenderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     SenderConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig()), DeviceID: "d1"},
			wantErr: false,
		},
		{
			name:    "missing bus",
			cfg:     SenderConfig{DeviceID: "d1"},
			wantErr: true,
		},
		{
			name:    "missing device id",
			cfg:     SenderConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig())},
			wantErr: true,
		},
		{
			name:    "negative count",
			cfg:     SenderConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig()), DeviceID: "d1", Count: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Integration Tests ---

func TestBusSender_SendNow(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	sub, _ := b.Subscribe(bus.SubjectHeartbeat)

	sender, err := NewBusSender(SenderConfig{Bus: b, DeviceID: "d1"})
	if err != nil {
		t.Fatalf("NewBusSender error: %v", err)
	}
	sender.SetMetadata("fw", "2.0")

	if err := sender.SendNow(); err != nil {
		t.Fatalf("SendNow error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		hb, err := Parse(msg.Data)
		if err != nil {
			t.Fatalf("Parse error: %v", err)
		}
		if hb.DeviceID != "d1" || hb.Metadata["fw"] != "2.0" {
			t.Errorf("heartbeat = %+v", hb)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}
	if sender.Sent() != 1 {
		t.Errorf("Sent = %d, want 1", sender.Sent())
	}
}

func TestBusSender_Count(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	sub, _ := b.Subscribe(bus.SubjectHeartbeat)

	sender, _ := NewBusSender(SenderConfig{
		Bus:      b,
		DeviceID: "d1",
		Interval: time.Millisecond,
		Count:    3,
	})
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	select {
	case <-sender.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop after Count heartbeats")
	}

	if sender.Sent() != 3 {
		t.Errorf("Sent = %d, want 3", sender.Sent())
	}
	if len(sub.Messages()) != 3 {
		t.Errorf("bus received %d, want 3", len(sub.Messages()))
	}
	// Stop after a counted run is still fine
	if err := sender.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestBusSender_Interval(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	sub, _ := b.Subscribe(bus.SubjectHeartbeat)

	mock := clock.NewMock()
	sender, _ := NewBusSender(SenderConfig{
		Bus:      b,
		DeviceID: "d1",
		Interval: 5 * time.Second,
		Clock:    mock,
	})
	sender.Start(context.Background())
	defer sender.Stop()

	// Immediate first heartbeat
	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected immediate heartbeat")
	}

	mock.Add(5 * time.Second)
	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat after interval")
	}
}

// --- Failure Tests ---

func TestBusSender_StartTwice(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sender, _ := NewBusSender(SenderConfig{Bus: b, DeviceID: "d1", Interval: time.Hour})
	sender.Start(context.Background())
	defer sender.Stop()

	if err := sender.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestBusSender_StopNotStarted(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sender, _ := NewBusSender(SenderConfig{Bus: b, DeviceID: "d1"})
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestBusSender_ClosedBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	b.Close()

	sender, _ := NewBusSender(SenderConfig{Bus: b, DeviceID: "d1"})
	if err := sender.SendNow(); err != bus.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if sender.Sent() != 0 {
		t.Errorf("Sent = %d, want 0", sender.Sent())
	}
}
