package notify

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/presence"
)

func newTestPublisher(t *testing.T, cfg Config) (*BusPublisher, bus.Subscription) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	sub, err := b.Subscribe(bus.SubjectStatus)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	p := NewBusPublisher(b, cfg)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, sub
}

func receive(t *testing.T, sub bus.Subscription) presence.Notification {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		n, err := Decode(msg.Data)
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		return n
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return presence.Notification{}
	}
}

// --- Unit Tests ---

func TestBusPublisher_PublishFillsEnvelope(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	p, sub := newTestPublisher(t, Config{Clock: mock})

	if err := p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOnline}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	n := receive(t, sub)
	if n.DeviceID != "d1" || n.Status != presence.StatusOnline {
		t.Errorf("notification = %+v", n)
	}
	if n.EventID == "" {
		t.Error("expected EventID to be filled")
	}
	if n.Target != presence.TargetStatusChanged {
		t.Errorf("Target = %q", n.Target)
	}
	if !n.Timestamp.Equal(mock.Now()) {
		t.Errorf("Timestamp = %v, want %v", n.Timestamp, mock.Now())
	}
}

func TestBusPublisher_KeepsProvidedFields(t *testing.T) {
	p, sub := newTestPublisher(t, Config{})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p.Publish(presence.Notification{
		EventID:   "evt-1",
		Target:    "custom",
		DeviceID:  "d1",
		Status:    presence.StatusOffline,
		Timestamp: at,
	})

	n := receive(t, sub)
	if n.EventID != "evt-1" || n.Target != "custom" || !n.Timestamp.Equal(at) {
		t.Errorf("notification = %+v", n)
	}
}

func TestBusPublisher_DistinctEventIDs(t *testing.T) {
	p, sub := newTestPublisher(t, Config{})

	p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOnline})
	p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOnline})

	a, b := receive(t, sub), receive(t, sub)
	if a.EventID == b.EventID {
		t.Errorf("EventIDs should differ, both %q", a.EventID)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"no device", `{"status":"online"}`},
		{"bad status", `{"deviceId":"d1","status":"away"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

// --- Failure Tests ---

func TestBusPublisher_RejectsInvalid(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})

	if err := p.Publish(presence.Notification{Status: presence.StatusOnline}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("missing device: got %v", err)
	}
	if err := p.Publish(presence.Notification{DeviceID: "d1", Status: "away"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("bad status: got %v", err)
	}
}

func TestBusPublisher_QueueFullDrops(t *testing.T) {
	b := newBlockingBus()
	p := NewBusPublisher(b, Config{QueueSize: 1})
	defer func() {
		close(b.release)
		p.Close(context.Background())
	}()

	n := presence.Notification{DeviceID: "d1", Status: presence.StatusOnline}

	// First is taken by the worker and blocks in the bus.
	p.Publish(n)
	b.waitEntered(t)

	// Second fills the queue, third is dropped.
	if err := p.Publish(n); err != nil {
		t.Fatalf("second Publish error: %v", err)
	}
	err := p.Publish(n)
	if !errors.Is(err, errors.ErrCodeQueueFull) {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("QUEUE_FULL should be retryable")
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", p.Stats().Dropped)
	}
}

func TestBusPublisher_CloseDrains(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	sub, _ := b.Subscribe(bus.SubjectStatus)

	p := NewBusPublisher(b, Config{QueueSize: 16})
	for i := 0; i < 10; i++ {
		p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOnline})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if got := p.Stats().Published; got != 10 {
		t.Errorf("Published = %d, want 10", got)
	}
	if len(sub.Messages()) != 10 {
		t.Errorf("bus received %d, want 10", len(sub.Messages()))
	}

	err := p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOnline})
	if !errors.Is(err, errors.ErrCodeUnavailable) {
		t.Errorf("Publish after Close: got %v", err)
	}
	if errors.IsRetryable(err) {
		t.Error("Publish after Close should not be retryable")
	}
	// Close is idempotent
	if err := p.Close(ctx); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestBusPublisher_BusFailureCounted(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	b.Close()

	p := NewBusPublisher(b, Config{})
	p.Publish(presence.Notification{DeviceID: "d1", Status: presence.StatusOffline})
	p.Close(context.Background())

	if p.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", p.Stats().Failed)
	}
}

// blockingBus blocks every Publish until release is closed.
type blockingBus struct {
	release chan struct{}
	entered chan struct{}
}

func newBlockingBus() *blockingBus {
	return &blockingBus{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
}

func (b *blockingBus) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never reached the bus")
	}
}

func (b *blockingBus) Publish(subject string, data []byte) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func (b *blockingBus) Subscribe(subject string) (bus.Subscription, error) {
	return nil, bus.ErrClosed
}

func (b *blockingBus) Close() error { return nil }
