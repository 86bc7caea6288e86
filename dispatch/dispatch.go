package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/presence"
	"github.com/vinayprograms/presencekit/state"
	"github.com/vinayprograms/presencekit/telemetry"
)

// EventKind is an event routed to a device.
type EventKind int

const (
	EventHeartbeat EventKind = iota
	EventTimeoutCheck
)

// String returns the event name used in logs, spans and metrics.
func (k EventKind) String() string {
	switch k {
	case EventHeartbeat:
		return "heartbeat"
	case EventTimeoutCheck:
		return "timeout_check"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Config configures a Dispatcher.
type Config struct {
	// OfflineAfter is the silence window. Default: presence.DefaultOfflineAfter
	OfflineAfter time.Duration

	// Clock for entities and mailbox idling. Default: clock.New()
	Clock clock.Clock

	// Scheduler receives timeout-check requests. Required.
	Scheduler presence.Scheduler

	// Publisher receives status notifications. Required.
	Publisher presence.Publisher

	// MailboxSize bounds queued events per device.
	// Default: 64
	MailboxSize int

	// IdleTimeout retires a mailbox with no queued work.
	// Default: 2 * OfflineAfter
	IdleTimeout time.Duration

	// Logger. Default: discard
	Logger *logging.Logger

	// Metrics. Nil records nothing.
	Metrics *telemetry.Metrics

	// Tracer. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

func (c Config) withDefaults() Config {
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = presence.DefaultOfflineAfter
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * c.OfflineAfter
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	return c
}

type op int

const (
	opHeartbeat op = iota
	opTimeoutCheck
	opRead
)

type request struct {
	ctx   context.Context
	op    op
	reply chan result
}

type result struct {
	snapshot *presence.Snapshot
	err      error
}

type mailbox struct {
	id       string
	requests chan request
	pending  int // guarded by Dispatcher.mu
}

// Dispatcher serializes events per device id.
type Dispatcher struct {
	devices *state.Devices
	config  Config
	entity  presence.Config

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates a dispatcher persisting through devices.
func New(devices *state.Devices, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		devices: devices,
		config:  cfg,
		entity: presence.Config{
			OfflineAfter: cfg.OfflineAfter,
			Clock:        cfg.Clock,
			Scheduler:    cfg.Scheduler,
			Publisher:    countingPublisher{next: cfg.Publisher, metrics: cfg.Metrics},
			Logger:       cfg.Logger,
		},
		mailboxes: make(map[string]*mailbox),
		quit:      make(chan struct{}),
	}
}

// OfflineAfter returns the configured silence window.
func (d *Dispatcher) OfflineAfter() time.Duration {
	return d.config.OfflineAfter
}

// Dispatch applies one event to a device, creating its record on first
// reference, and returns once the resulting state is persisted. Events for
// the same id never interleave.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, kind EventKind) (err error) {
	var o op
	switch kind {
	case EventHeartbeat:
		o = opHeartbeat
	case EventTimeoutCheck:
		o = opTimeoutCheck
	default:
		return errors.New(errors.ErrCodeUnsupported, "unknown event "+kind.String(), errors.WithDeviceID(deviceID))
	}
	if deviceID == "" {
		return errors.InvalidInput("device id required")
	}

	start := d.config.Clock.Now()
	ctx, span := d.config.Tracer.StartDispatchSpan(ctx, deviceID, kind.String())
	defer func() {
		telemetry.EndSpan(span, err)
		d.config.Metrics.Event(ctx, kind.String(), d.config.Clock.Since(start), codeOf(err))
		if err != nil {
			d.config.Logger.DispatchFailed(deviceID, kind.String(), err)
		}
	}()

	reply, err := d.enqueue(ctx, deviceID, o, true)
	if err != nil {
		return err
	}
	res, err := wait(ctx, deviceID, reply)
	if err != nil {
		return err
	}
	return res.err
}

// State returns the device's current snapshot without side effects. A
// device that has never been seen yields an error with
// errors.ErrCodeNotFound; no record or mailbox is created for it.
func (d *Dispatcher) State(ctx context.Context, deviceID string) (*presence.Snapshot, error) {
	if deviceID == "" {
		return nil, errors.InvalidInput("device id required")
	}

	reply, err := d.enqueue(ctx, deviceID, opRead, false)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		res, err := wait(ctx, deviceID, reply)
		if err != nil {
			return nil, err
		}
		return res.snapshot, res.err
	}

	// No live mailbox: the store holds the latest state.
	s, err := d.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	snap := presence.NewSnapshot(s, d.config.Clock.Now(), d.config.OfflineAfter)
	return &snap, nil
}

// Devices returns the ids of every recorded device.
func (d *Dispatcher) Devices(ctx context.Context) ([]string, error) {
	ids, err := d.devices.IDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	return ids, nil
}

// Recover schedules a timeout-check for every recorded device whose
// current silence has not been announced. Checks scheduled before a restart
// are lost with the process; this makes devices that went quiet meanwhile
// still get announced offline. Returns the number of checks scheduled.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	ids, err := d.Devices(ctx)
	if err != nil {
		return 0, err
	}

	now := d.config.Clock.Now()
	scheduled := 0
	for _, id := range ids {
		s, err := d.load(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return scheduled, err
		}
		if s.LastCommunication == nil || s.OfflineAnnounced {
			continue
		}

		elapsed, _ := s.Elapsed(now)
		delay := d.config.OfflineAfter - elapsed + presence.CheckMargin
		if delay < 0 {
			delay = 0
		}
		if err := d.config.Scheduler.ScheduleTimeoutCheck(id, delay); err != nil {
			d.config.Logger.PortFailure("scheduler", id, err)
			continue
		}
		scheduled++
	}

	d.config.Logger.Info("recovered devices", map[string]interface{}{
		"devices":   len(ids),
		"scheduled": scheduled,
	})
	return scheduled, nil
}

// Active returns the number of live mailboxes.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mailboxes)
}

// Close stops accepting events, lets every mailbox finish its queued work
// and waits for them or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "dispatcher drain")
	}
}

// enqueue routes a request to the device's mailbox. With create false and
// no live mailbox it returns a nil channel and no error.
func (d *Dispatcher) enqueue(ctx context.Context, deviceID string, o op, create bool) (chan result, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.Unavailable("dispatcher closed",
			errors.WithDeviceID(deviceID), errors.WithRetryable(false))
	}
	mb := d.mailboxes[deviceID]
	if mb == nil {
		if !create {
			d.mu.Unlock()
			return nil, nil
		}
		mb = &mailbox{
			id:       deviceID,
			requests: make(chan request, d.config.MailboxSize),
		}
		d.mailboxes[deviceID] = mb
		d.wg.Add(1)
		go d.run(mb)
	}
	mb.pending++
	d.mu.Unlock()

	req := request{ctx: ctx, op: o, reply: make(chan result, 1)}
	select {
	case mb.requests <- req:
		return req.reply, nil
	case <-ctx.Done():
		d.mu.Lock()
		mb.pending--
		d.mu.Unlock()
		return nil, errors.Wrap(ctx.Err(), "queued for device", errors.WithDeviceID(deviceID))
	}
}

// wait blocks for a reply. A caller that gives up does not cancel the
// request; it is still applied in order.
func wait(ctx context.Context, deviceID string, reply chan result) (result, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return result{}, errors.Wrap(ctx.Err(), "waiting for device", errors.WithDeviceID(deviceID))
	}
}

// load reads a device's persisted state with store errors mapped to codes.
func (d *Dispatcher) load(ctx context.Context, deviceID string) (presence.DeviceState, error) {
	s, err := d.devices.Load(ctx, deviceID)
	switch {
	case err == nil:
		return s, nil
	case state.IsNotFound(err):
		return presence.DeviceState{}, errors.NotFound(deviceID)
	case ctx.Err() != nil:
		return presence.DeviceState{}, errors.Wrap(ctx.Err(), "load device", errors.WithDeviceID(deviceID))
	default:
		return presence.DeviceState{}, errors.Unavailable("load device state",
			errors.WithDeviceID(deviceID), errors.WithCause(err))
	}
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return string(errors.Code(err))
}

// countingPublisher hands notifications on and records each by outcome.
type countingPublisher struct {
	next    presence.Publisher
	metrics *telemetry.Metrics
}

func (p countingPublisher) Publish(n presence.Notification) error {
	err := p.next.Publish(n)
	p.metrics.Notification(context.Background(), string(n.Status), publishOutcome(err))
	return err
}

func publishOutcome(err error) string {
	if err == nil {
		return "published"
	}
	if code := codeOf(err); code != "" {
		return code
	}
	return "failed"
}
