package presence

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/logging"
)

// Config holds the collaborators of a Device.
type Config struct {
	// OfflineAfter is the silence window. Default: DefaultOfflineAfter
	OfflineAfter time.Duration

	// Clock supplies the current time. Default: clock.New()
	Clock clock.Clock

	// Scheduler receives one timeout-check per heartbeat. Required.
	Scheduler Scheduler

	// Publisher receives status notifications. Required.
	Publisher Publisher

	// Logger for port failures and transitions. Default: discard
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Device is the presence entity for a single device id.
type Device struct {
	state  DeviceState
	config Config
}

// NewDevice returns an entity holding state. Use DeviceState{ID: id} for a
// device with no recorded history.
func NewDevice(state DeviceState, cfg Config) *Device {
	return &Device{
		state:  state.Clone(),
		config: cfg.withDefaults(),
	}
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.state.ID
}

// State returns a copy of the current state.
func (d *Device) State() DeviceState {
	return d.state.Clone()
}

// Snapshot returns the current state with online inferred at the current time.
func (d *Device) Snapshot() Snapshot {
	return NewSnapshot(d.state, d.config.Clock.Now(), d.config.OfflineAfter)
}

// OnHeartbeat records the heartbeat, schedules a timeout-check and announces
// the device online. The announcement is unconditional: an online device
// heartbeating again is re-announced. Port failures are logged and do not
// undo the recorded time.
func (d *Device) OnHeartbeat() {
	now := d.config.Clock.Now()
	d.state.LastCommunication = &now
	d.state.OfflineAnnounced = false
	d.config.Logger.Heartbeat(d.state.ID, now)

	if err := d.config.Scheduler.ScheduleTimeoutCheck(d.state.ID, d.config.OfflineAfter+CheckMargin); err != nil {
		d.config.Logger.PortFailure("scheduler", d.state.ID, err)
	}
	d.publish(StatusOnline, now)
}

// OnTimeoutCheck re-evaluates staleness and announces the device offline
// when more than OfflineAfter has elapsed since the last heartbeat and the
// silence has not been announced yet. Returns whether an offline
// notification was emitted, which is also the only case that changes state.
func (d *Device) OnTimeoutCheck() bool {
	now := d.config.Clock.Now()
	elapsed, ok := d.state.Elapsed(now)
	if !ok {
		// Never heard from: nothing to announce.
		d.config.Logger.Debug("timeout_check_without_heartbeat", map[string]interface{}{
			"device": d.state.ID,
		})
		return false
	}

	stale := elapsed > d.config.OfflineAfter
	d.config.Logger.TimeoutCheck(d.state.ID, elapsed, stale)
	if !stale || d.state.OfflineAnnounced {
		return false
	}

	d.state.OfflineAnnounced = true
	d.publish(StatusOffline, now)
	return true
}

func (d *Device) publish(status Status, at time.Time) {
	n := Notification{
		Target:    TargetStatusChanged,
		DeviceID:  d.state.ID,
		Status:    status,
		Timestamp: at,
	}
	if err := d.config.Publisher.Publish(n); err != nil {
		d.config.Logger.PortFailure("publisher", d.state.ID, err)
		return
	}
	d.config.Logger.StatusChanged(d.state.ID, string(status))
}
