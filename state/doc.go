// Package state persists device presence records.
//
// The Store interface is a small key-value contract with two backends:
// NATS JetStream KV for durable deployments and an in-memory map for tests
// and single-process use. Devices layers the presence.DeviceState encoding
// on top of a Store.
//
// # Keys
//
// Device ids are opaque strings, so records live under
// "device.<base64url(id)>". DeviceKey and DeviceIDFromKey convert between
// the two.
//
// # Usage
//
//	// Production: NATS JetStream KV
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := state.NewNATSStore(ctx, state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "presence-devices",
//	})
//
//	// Testing: In-memory
//	store := state.NewMemoryStore()
//
//	devices := state.NewDevices(store)
//	devices.Save(ctx, presence.DeviceState{ID: "sensor-1"})
//	s, err := devices.Load(ctx, "sensor-1")
package state
