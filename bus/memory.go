package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process deployments.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool

	dropped atomic.Uint64
}

type memorySub struct {
	subject string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	// Each subscriber gets its own copy so a consumer mutating the payload
	// cannot affect another.
	drops := 0
	b.mu.RLock()
	for _, sub := range b.subs[subject] {
		if sub.closed {
			continue
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		select {
		case sub.ch <- &Message{Subject: subject, Data: payload}:
		default:
			// Buffer full, drop message
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.dropped.Add(uint64(drops))
		if b.config.OnDrop != nil {
			for i := 0; i < drops; i++ {
				b.config.OnDrop(subject)
			}
		}
	}
	return nil
}

// Dropped returns how many deliveries were dropped because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	return sub, nil
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.subs = make(map[string][]*memorySub)

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.bus.removeSub(s.subject, s)
	close(s.ch)
	return nil
}

// removeSub removes a subscription. Must be called with b.mu held.
func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[subject]) == 0 {
		delete(b.subs, subject)
	}
}
