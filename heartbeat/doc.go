// Package heartbeat carries "device is alive" signals into the presence engine.
//
// # Overview
//
// Devices (or gateways acting for them) publish heartbeats to
// bus.SubjectHeartbeat. The Listener consumes those, and the delayed
// timeout-checks on bus.SubjectTimeout, and hands each one to the
// dispatcher. BusSender is the device side, used by the simulate command
// and by tests.
//
// # Architecture
//
//	┌─────────────┐  presence.heartbeat   ┌──────────┐  Dispatch  ┌────────────┐
//	│  BusSender  │ ────────────────────> │ Listener │ ─────────> │ dispatch   │
//	│  (device)   │                       │          │            │ Dispatcher │
//	└─────────────┘  presence.timeout  ┌─>└──────────┘            └────────────┘
//	                  (scheduler) ─────┘
//
// # Wire Format
//
// A heartbeat payload is either the bare device id, as legacy devices send
// it, or a JSON object:
//
//	{"device_id":"sensor-1","timestamp":"2024-01-01T00:00:00Z","metadata":{"fw":"1.2"}}
//
// The timestamp is informational. The engine always records its own receive
// time, so device clock skew cannot make a device look fresher or staler.
//
// # Usage
//
//	l, _ := heartbeat.NewListener(heartbeat.ListenerConfig{
//	    Bus:         b,
//	    Dispatcher:  d,
//	    MaxInFlight: 256,
//	})
//	l.Start(ctx)
//	defer l.Stop(ctx)
//
// # Recommendations
//
//   - Send heartbeats at a third to half of the offline window
//   - Keep device ids stable across reboots
package heartbeat
