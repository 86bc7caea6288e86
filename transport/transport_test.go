package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/presence"
)

// sinkRecorder collects broadcast notifications.
type sinkRecorder struct {
	mu    sync.Mutex
	notes []presence.Notification
}

func (s *sinkRecorder) Broadcast(n presence.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *sinkRecorder) all() []presence.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.Notification(nil), s.notes...)
}

func testNotification(id string, status presence.Status) presence.Notification {
	return presence.Notification{
		EventID:   "evt-" + id + "-" + string(status),
		Target:    presence.TargetStatusChanged,
		DeviceID:  id,
		Status:    status,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- Unit Tests ---

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ClientBuffer != 64 {
		t.Errorf("ClientBuffer = %d, want 64", cfg.ClientBuffer)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.WriteTimeout)
	}
	if cfg.KeepAlive != 0 {
		t.Errorf("KeepAlive = %v, want 0 when unset", cfg.KeepAlive)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to discard")
	}
	if DefaultConfig().KeepAlive != 30*time.Second {
		t.Errorf("DefaultConfig().KeepAlive = %v, want 30s", DefaultConfig().KeepAlive)
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := newBroadcaster(4)
	_, ch1, err := b.add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	_, ch2, _ := b.add()

	if b.count() != 2 {
		t.Fatalf("count = %d, want 2", b.count())
	}

	n := testNotification("d1", presence.StatusOnline)
	b.broadcast(n)

	for i, ch := range []<-chan presence.Notification{ch1, ch2} {
		select {
		case got := <-ch:
			if got.DeviceID != "d1" {
				t.Errorf("client %d got %q", i, got.DeviceID)
			}
		default:
			t.Errorf("client %d received nothing", i)
		}
	}
}

func TestBroadcaster_SlowClientDrops(t *testing.T) {
	b := newBroadcaster(1)
	_, ch, _ := b.add()

	b.broadcast(testNotification("d1", presence.StatusOnline))
	b.broadcast(testNotification("d1", presence.StatusOffline))

	if got := b.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	got := <-ch
	if got.Status != presence.StatusOnline {
		t.Errorf("first queued = %s, want online", got.Status)
	}
}

func TestBroadcaster_RemoveClosesChannel(t *testing.T) {
	b := newBroadcaster(1)
	id, ch, _ := b.add()
	b.remove(id)
	b.remove(id)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after remove")
	}
	if b.count() != 0 {
		t.Errorf("count = %d, want 0", b.count())
	}
}

func TestBroadcaster_CloseRejectsNewClients(t *testing.T) {
	b := newBroadcaster(1)
	_, ch, _ := b.add()
	b.close()
	b.close()

	if _, ok := <-ch; ok {
		t.Error("existing client channel should be closed")
	}
	if _, _, err := b.add(); err != ErrClosed {
		t.Errorf("add after close = %v, want ErrClosed", err)
	}
	b.broadcast(testNotification("d1", presence.StatusOnline))
}

// --- Integration Tests ---

func TestFanout_DeliversDecodedNotifications(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sink1, sink2 := &sinkRecorder{}, &sinkRecorder{}
	fan, err := NewFanout(b, nil, sink1, sink2)
	if err != nil {
		t.Fatalf("NewFanout error: %v", err)
	}

	// Published before Run starts: the subscription already exists.
	data, _ := json.Marshal(testNotification("d1", presence.StatusOffline))
	b.Publish(bus.SubjectStatus, []byte("not json"))
	b.Publish(bus.SubjectStatus, data)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fan.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink1.all()) == 0 || len(sink2.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for notification")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, s := range []*sinkRecorder{sink1, sink2} {
		got := s.all()
		if len(got) != 1 {
			t.Fatalf("sink received %d notifications, want 1", len(got))
		}
		if got[0].DeviceID != "d1" || got[0].Status != presence.StatusOffline {
			t.Errorf("unexpected notification %+v", got[0])
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Fanout = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fanout did not return after cancel")
	}
}

func TestNewFanout_ClosedBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	b.Close()

	if _, err := NewFanout(b, nil, &sinkRecorder{}); err != bus.ErrClosed {
		t.Errorf("NewFanout = %v, want ErrClosed", err)
	}
}

func TestFanout_ReturnsWhenBusCloses(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())

	fan, err := NewFanout(b, nil, &sinkRecorder{})
	if err != nil {
		t.Fatalf("NewFanout error: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- fan.Run(context.Background()) }()

	b.Close()

	select {
	case err := <-done:
		if err != nil && err != bus.ErrClosed {
			t.Errorf("Fanout = %v, want nil or ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fanout did not return after bus close")
	}
}
