package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/presencekit/presence"
)

// DevicePrefix namespaces device records in the store.
const DevicePrefix = "device."

// DeviceKey returns the store key for a device id. Ids are opaque, so they
// are base64url encoded to stay within the key alphabet of every backend.
func DeviceKey(id string) string {
	return DevicePrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DeviceIDFromKey reverses DeviceKey.
func DeviceIDFromKey(key string) (string, error) {
	if !strings.HasPrefix(key, DevicePrefix) {
		return "", fmt.Errorf("%w: %q is not a device key", ErrInvalidKey, key)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, DevicePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return string(raw), nil
}

// Devices persists presence.DeviceState records in a Store.
type Devices struct {
	store Store
}

// NewDevices wraps store.
func NewDevices(store Store) *Devices {
	return &Devices{store: store}
}

// Load returns the stored state for id. Returns ErrNotFound when the
// device has never been recorded.
func (d *Devices) Load(ctx context.Context, id string) (presence.DeviceState, error) {
	data, err := d.store.Get(ctx, DeviceKey(id))
	if err != nil {
		return presence.DeviceState{}, err
	}

	var s presence.DeviceState
	if err := json.Unmarshal(data, &s); err != nil {
		return presence.DeviceState{}, fmt.Errorf("decode device %q: %w", id, err)
	}
	if s.ID != id {
		return presence.DeviceState{}, fmt.Errorf("device %q: stored record has id %q", id, s.ID)
	}
	return s, nil
}

// Save writes the state for s.ID.
func (d *Devices) Save(ctx context.Context, s presence.DeviceState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode device %q: %w", s.ID, err)
	}
	return d.store.Put(ctx, DeviceKey(s.ID), data)
}

// IDs returns the sorted ids of all recorded devices. Keys that do not
// decode are skipped.
func (d *Devices) IDs(ctx context.Context) ([]string, error) {
	keys, err := d.store.Keys(ctx, DevicePrefix+"*")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := DeviceIDFromKey(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// IsNotFound reports whether err means the device has no record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
