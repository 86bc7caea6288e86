// Package scheduler delivers delayed timeout-checks onto the bus.
//
// Every heartbeat asks for one check after the offline window. Checks are
// never cancelled individually: each timer fires once, publishes the device
// id to bus.SubjectTimeout and forgets it. Stop cancels everything still
// pending when the process shuts down; dispatch.Recover reschedules from the
// store on the next start.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/logging"
)

// ErrStopped is returned when scheduling after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Config configures a ClockScheduler.
type Config struct {
	// Clock drives the timers. Default: clock.New()
	Clock clock.Clock

	// Subject receives the device id when a check fires.
	// Default: bus.SubjectTimeout
	Subject string

	// Logger for publish failures. Default: discard
	Logger *logging.Logger

	// OnFire is called after each check is published. Optional.
	OnFire func(deviceID string, err error)
}

// ClockScheduler implements presence.Scheduler with clock timers.
type ClockScheduler struct {
	bus    bus.MessageBus
	config Config

	mu      sync.Mutex
	timers  map[uint64]*clock.Timer
	nextID  uint64
	stopped bool
}

// New creates a scheduler publishing to b.
func New(b bus.MessageBus, cfg Config) *ClockScheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Subject == "" {
		cfg.Subject = bus.SubjectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &ClockScheduler{
		bus:    b,
		config: cfg,
		timers: make(map[uint64]*clock.Timer),
	}
}

// ScheduleTimeoutCheck arranges for deviceID to be published after the delay.
// It only registers a timer and never blocks on delivery.
func (s *ClockScheduler) ScheduleTimeoutCheck(deviceID string, after time.Duration) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	if after < 0 {
		after = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = s.config.Clock.AfterFunc(after, func() {
		s.fire(id, deviceID)
	})
	return nil
}

func (s *ClockScheduler) fire(id uint64, deviceID string) {
	s.mu.Lock()
	_, live := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()

	if !live {
		return // stopped
	}

	err := s.bus.Publish(s.config.Subject, []byte(deviceID))
	if err != nil {
		s.config.Logger.PortFailure("timeout_publish", deviceID, err)
	}
	if s.config.OnFire != nil {
		s.config.OnFire(deviceID, err)
	}
}

// Pending returns the number of checks scheduled but not yet fired.
func (s *ClockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending checks and rejects new ones. Returns how many
// checks were cancelled.
func (s *ClockScheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}
	s.stopped = true

	n := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if n > 0 {
		s.config.Logger.Info("scheduler stopped", map[string]interface{}{
			"cancelled": n,
		})
	}
	return n
}
