package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/notify"
	"github.com/vinayprograms/presencekit/presence"
)

// Common errors.
var (
	ErrClosed = errors.New("transport closed")
)

// Sink receives every decoded status notification.
type Sink interface {
	Broadcast(n presence.Notification)
}

// Config holds common hub configuration.
type Config struct {
	// ClientBuffer is the per-client queue length. A client that falls
	// this far behind loses notifications rather than slowing others.
	// Default: 64
	ClientBuffer int

	// KeepAlive interval for SSE comments and WebSocket pings (0 = disabled).
	// Default: 30s
	KeepAlive time.Duration

	// WriteTimeout bounds a single write to a client.
	// Default: 5s
	WriteTimeout time.Duration

	// Logger for hub events. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClientBuffer: 64,
		KeepAlive:    30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = d.ClientBuffer
	}
	if c.KeepAlive < 0 {
		c.KeepAlive = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// broadcaster tracks connected clients and fans notifications out to them.
type broadcaster struct {
	buffer int

	mu      sync.RWMutex
	clients map[uint64]chan presence.Notification
	nextID  uint64
	closed  bool

	dropped atomic.Int64
}

func newBroadcaster(buffer int) *broadcaster {
	return &broadcaster{
		buffer:  buffer,
		clients: make(map[uint64]chan presence.Notification),
	}
}

// add registers a client. The returned channel is closed by remove or close.
func (b *broadcaster) add() (uint64, <-chan presence.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, nil, ErrClosed
	}
	b.nextID++
	ch := make(chan presence.Notification, b.buffer)
	b.clients[b.nextID] = ch
	return b.nextID, ch, nil
}

func (b *broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
	}
}

func (b *broadcaster) broadcast(n presence.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.clients {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Fanout hands status notifications from the bus to a set of sinks.
type Fanout struct {
	sub    bus.Subscription
	sinks  []Sink
	logger *logging.Logger
}

// NewFanout subscribes to status notifications before returning, so nothing
// published after it returns is missed. Call Run to start delivering.
func NewFanout(b bus.MessageBus, logger *logging.Logger, sinks ...Sink) (*Fanout, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	sub, err := b.Subscribe(bus.SubjectStatus)
	if err != nil {
		return nil, err
	}
	return &Fanout{sub: sub, sinks: sinks, logger: logger}, nil
}

// Run hands each notification to every sink. It blocks until ctx is done
// or the subscription ends, then unsubscribes. Payloads that do not decode
// are logged and skipped.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-f.sub.Messages():
			if !ok {
				return nil
			}
			n, err := notify.Decode(msg.Data)
			if err != nil {
				f.logger.Warn("dropping undecodable notification", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			for _, s := range f.sinks {
				s.Broadcast(n)
			}
		}
	}
}
