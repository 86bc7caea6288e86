package heartbeat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidPayload = errors.New("invalid heartbeat payload")
)

// MaxDeviceIDLength bounds device ids accepted from the wire.
const MaxDeviceIDLength = 256

// Heartbeat represents a single heartbeat message from a device.
type Heartbeat struct {
	// DeviceID uniquely identifies the sending device.
	DeviceID string `json:"device_id"`

	// Timestamp when the device generated the heartbeat. Informational.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Trace carries the W3C trace context of whoever published the
	// heartbeat, so the consuming span joins the sender's trace.
	Trace map[string]string `json:"trace,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Parse decodes a heartbeat payload: a JSON object, or the bare device id.
func Parse(data []byte) (*Heartbeat, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var h Heartbeat
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := ValidateDeviceID(h.DeviceID); err != nil {
			return nil, err
		}
		return &h, nil
	}

	id, err := ParseDeviceID(trimmed)
	if err != nil {
		return nil, err
	}
	return &Heartbeat{DeviceID: id}, nil
}

// ParseDeviceID decodes a bare device id payload, as carried by
// timeout-checks and legacy heartbeats.
func ParseDeviceID(data []byte) (string, error) {
	id := strings.TrimSpace(string(data))
	if err := ValidateDeviceID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateDeviceID checks an id received from the wire.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidPayload)
	}
	if len(id) > MaxDeviceIDLength {
		return fmt.Errorf("%w: device id longer than %d bytes", ErrInvalidPayload, MaxDeviceIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: device id is not valid UTF-8", ErrInvalidPayload)
	}
	return nil
}
