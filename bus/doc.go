// Package bus provides the message transport between presence ingress,
// the timeout scheduler and notification subscribers.
//
// # Available Implementations
//
//   - NATSBus: Production messaging using NATS core pub/sub
//   - MemoryBus: In-process implementation for tests and single-binary deployments
//
// # Subjects
//
//	presence.heartbeat   device id (or JSON heartbeat)  → dispatcher
//	presence.timeout     device id, published after offlineAfter → dispatcher
//	presence.status      JSON notification → UI hubs and other subscribers
//
// # Delivery
//
// Publishing never blocks on subscribers. When a subscriber's buffer is full
// the message is dropped for that subscriber only. The presence engine is
// built to tolerate this: a lost heartbeat makes a device look offline
// sooner, a lost or duplicated timeout-check is harmless because staleness
// is recomputed from stored state.
//
//	sub, _ := b.Subscribe(bus.SubjectStatus)
//	for msg := range sub.Messages() {
//	    n, _ := notify.Decode(msg.Data)
//	    // handle n
//	}
package bus
