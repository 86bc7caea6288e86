// Package notify delivers presence notifications to subscribers.
//
// BusPublisher implements presence.Publisher. Publish only enqueues onto a
// bounded queue; a single worker encodes each notification as JSON and
// publishes it to bus.SubjectStatus. When the queue is full the
// notification is dropped and counted, so a slow bus never stalls a device.
//
// Delivery is at-most-once from this process and unordered across
// subscribers. Subscribers should be idempotent: EventID identifies a
// notification, and a later "online" may be followed by a stale "offline".
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/presence"
)

// Config configures a BusPublisher.
type Config struct {
	// QueueSize bounds notifications waiting to be published.
	// Default: 1024
	QueueSize int

	// Subject notifications are published to. Default: bus.SubjectStatus
	Subject string

	// Clock stamps notifications that carry no timestamp. Default: clock.New()
	Clock clock.Clock

	// Logger for publish failures. Default: discard
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 1024,
		Subject:   bus.SubjectStatus,
	}
}

// Stats are cumulative publisher counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// BusPublisher implements presence.Publisher over a MessageBus.
type BusPublisher struct {
	bus    bus.MessageBus
	config Config

	mu     sync.RWMutex // guards queue send against close
	queue  chan presence.Notification
	closed bool
	done   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBusPublisher creates a publisher and starts its worker.
func NewBusPublisher(b bus.MessageBus, cfg Config) *BusPublisher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	p := &BusPublisher{
		bus:    b,
		config: cfg,
		queue:  make(chan presence.Notification, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues n without blocking. Missing EventID, Target and
// Timestamp are filled in.
func (p *BusPublisher) Publish(n presence.Notification) error {
	if n.DeviceID == "" {
		return errors.InvalidInput("notification without device id")
	}
	if !n.Status.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown status %q", n.Status), errors.WithDeviceID(n.DeviceID))
	}
	if n.EventID == "" {
		n.EventID = uuid.NewString()
	}
	if n.Target == "" {
		n.Target = presence.TargetStatusChanged
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = p.config.Clock.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.Unavailable("publisher closed",
			errors.WithDeviceID(n.DeviceID), errors.WithRetryable(false))
	}

	select {
	case p.queue <- n:
		return nil
	default:
		p.dropped.Add(1)
		return errors.New(errors.ErrCodeQueueFull, "notification queue full",
			errors.WithDeviceID(n.DeviceID),
			errors.WithMetadata("status", string(n.Status)))
	}
}

func (p *BusPublisher) run() {
	defer close(p.done)

	for n := range p.queue {
		data, err := json.Marshal(n)
		if err != nil {
			p.failed.Add(1)
			p.config.Logger.PortFailure("notify_encode", n.DeviceID, err)
			continue
		}
		if err := p.bus.Publish(p.config.Subject, data); err != nil {
			p.failed.Add(1)
			p.config.Logger.PortFailure("notify_publish", n.DeviceID, err)
			continue
		}
		p.published.Add(1)
	}
}

// Stats returns cumulative counters.
func (p *BusPublisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to end.
func (p *BusPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decode parses a notification published by BusPublisher.
func Decode(data []byte) (presence.Notification, error) {
	var n presence.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode notification")
	}
	if n.DeviceID == "" {
		return n, errors.InvalidInput("notification without device id")
	}
	if !n.Status.Valid() {
		return n, errors.InvalidInput(fmt.Sprintf("unknown status %q", n.Status), errors.WithDeviceID(n.DeviceID))
	}
	return n, nil
}
