package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/bus"
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// DeviceID is the identifier heartbeats are sent for.
	DeviceID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// Count stops the sender after this many heartbeats. Zero sends until
	// stopped. Used to simulate a device going silent.
	Count int

	// Clock drives the interval. Default: clock.New()
	Clock clock.Clock
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if ValidateDeviceID(c.DeviceID) != nil {
		return ErrInvalidConfig
	}
	if c.Count < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// BusSender sends heartbeats for one device over a message bus.
type BusSender struct {
	bus      bus.MessageBus
	deviceID string
	interval time.Duration
	count    int
	clock    clock.Clock

	mu       sync.RWMutex
	metadata map[string]string

	sent    atomic.Int64
	failed  atomic.Int64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &BusSender{
		bus:      cfg.Bus,
		deviceID: cfg.DeviceID,
		interval: interval,
		count:    cfg.Count,
		clock:    clk,
		metadata: make(map[string]string),
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first is
// sent immediately.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main heartbeat loop.
func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		s.SendNow()
		if s.count > 0 && int(s.sent.Load()+s.failed.Load()) >= s.count {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// SendNow publishes one heartbeat immediately.
func (s *BusSender) SendNow() error {
	hb := s.buildHeartbeat()
	data, err := hb.Marshal()
	if err == nil {
		err = s.bus.Publish(bus.SubjectHeartbeat, data)
	}
	if err != nil {
		s.failed.Add(1)
		return err
	}
	s.sent.Add(1)
	return nil
}

// buildHeartbeat creates a heartbeat with current metadata.
func (s *BusSender) buildHeartbeat() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		DeviceID:  s.deviceID,
		Timestamp: s.clock.Now().UTC(),
	}

	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}

	return hb
}

// SetMetadata updates a metadata field.
func (s *BusSender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Done is closed when the send loop exits: after Count heartbeats, on
// Stop, or when the Start context ends.
func (s *BusSender) Done() <-chan struct{} {
	return s.doneCh
}

// Sent returns how many heartbeats were published.
func (s *BusSender) Sent() int64 {
	return s.sent.Load()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	select {
	case <-s.doneCh:
	default:
		close(s.stopCh)
		<-s.doneCh
	}
	return nil
}

// DeviceID returns the sender's device ID.
func (s *BusSender) DeviceID() string {
	return s.deviceID
}
