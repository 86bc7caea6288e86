package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Subjects used by presencekit. Payload formats are owned by the packages
// that produce them (heartbeat, scheduler, notify).
const (
	// SubjectHeartbeat carries "device is alive" signals.
	SubjectHeartbeat = "presence.heartbeat"

	// SubjectTimeout carries delayed timeout-checks, one per heartbeat.
	SubjectTimeout = "presence.timeout"

	// SubjectStatus carries status-changed notifications to subscribers.
	SubjectStatus = "presence.status"
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides pub/sub messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	// Delivery is best-effort; a slow subscriber may miss messages.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int

	// OnDrop is called with the subject of every message a MemoryBus could
	// not deliver because a subscriber's buffer was full. Optional. It runs
	// after the bus lock is released and may publish.
	OnDrop func(subject string)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid for publishing or
// subscribing. Wildcards are not used by presencekit and are rejected so
// the in-memory and NATS backends behave the same.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	if strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") || strings.Contains(subject, "..") {
		return ErrInvalidSubject
	}
	return nil
}
