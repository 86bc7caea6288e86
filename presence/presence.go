package presence

import (
	"fmt"
	"time"
)

// DefaultOfflineAfter is the silence window after which a device is
// announced offline.
const DefaultOfflineAfter = 20 * time.Second

// CheckMargin is added to every timeout-check delay. Staleness is strict,
// so a check landing exactly on the window edge would find the device still
// online and nothing else would ever re-check it.
const CheckMargin = time.Millisecond

// TargetStatusChanged is the notification target name subscribers bind to.
const TargetStatusChanged = "statusChanged"

// Status is the announced presence of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// DeviceState is the persisted state of one device.
type DeviceState struct {
	// ID is the opaque device identifier. Immutable.
	ID string `json:"id"`

	// LastCommunication is when the most recent heartbeat was applied.
	// Nil means the device has never been heard from.
	LastCommunication *time.Time `json:"lastCommunicationDateTime"`

	// OfflineAnnounced is set once the current silence has been announced
	// and cleared by the next heartbeat. It makes a duplicated timeout-check
	// a no-op. Online and offline themselves are always inferred.
	OfflineAnnounced bool `json:"offlineAnnounced,omitempty"`
}

// Clone returns a deep copy.
func (s DeviceState) Clone() DeviceState {
	out := DeviceState{ID: s.ID, OfflineAnnounced: s.OfflineAnnounced}
	if s.LastCommunication != nil {
		t := *s.LastCommunication
		out.LastCommunication = &t
	}
	return out
}

// Elapsed returns the time since the last heartbeat. ok is false when the
// device has never been heard from.
func (s DeviceState) Elapsed(now time.Time) (elapsed time.Duration, ok bool) {
	if s.LastCommunication == nil {
		return 0, false
	}
	return now.Sub(*s.LastCommunication), true
}

// Stale reports whether more than offlineAfter has elapsed since the last
// heartbeat. A device never heard from is not stale.
func (s DeviceState) Stale(now time.Time, offlineAfter time.Duration) bool {
	elapsed, ok := s.Elapsed(now)
	return ok && elapsed > offlineAfter
}

// Snapshot is the read-only view returned by status queries.
type Snapshot struct {
	DeviceState

	// Online is inferred: heard from, and not stale at query time.
	Online bool `json:"online"`
}

// NewSnapshot derives a Snapshot from state at now.
func NewSnapshot(s DeviceState, now time.Time, offlineAfter time.Duration) Snapshot {
	return Snapshot{
		DeviceState: s.Clone(),
		Online:      s.LastCommunication != nil && !s.Stale(now, offlineAfter),
	}
}

// Notification announces a device's status to subscribers.
type Notification struct {
	EventID   string    `json:"eventId"`
	Target    string    `json:"target"`
	DeviceID  string    `json:"deviceId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s", n.DeviceID, n.Status)
}

// Scheduler arranges for a timeout-check carrying deviceID to be delivered
// after the given delay. It only enqueues; it must not block on delivery.
type Scheduler interface {
	ScheduleTimeoutCheck(deviceID string, after time.Duration) error
}

// Publisher hands a notification to the delivery mechanism. Fire and forget.
type Publisher interface {
	Publish(n Notification) error
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(deviceID string, after time.Duration) error

func (f SchedulerFunc) ScheduleTimeoutCheck(deviceID string, after time.Duration) error {
	return f(deviceID, after)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(n Notification) error

func (f PublisherFunc) Publish(n Notification) error {
	return f(n)
}
