// Package shutdown coordinates graceful shutdown of presenced.
//
// # Overview
//
// Handlers are registered with a phase. Phases run in ascending order and
// handlers within a phase run concurrently. presenced uses four phases so
// that every heartbeat accepted before shutdown is persisted and its
// notification leaves the process:
//
//	PhaseIngress   (10)  listener, SSE and WebSocket hubs, HTTP server
//	PhaseDispatch  (20)  device mailboxes drain
//	PhaseEgress    (30)  timeout-check timers stop, notification queue drains
//	PhaseResources (40)  fan-out, event log, store, bus, telemetry
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	stop := coord.HandleSignals() // SIGTERM, SIGINT
//	defer stop()
//
//	coord.Register("listener", shutdown.Func(listener.Stop), shutdown.PhaseIngress)
//	coord.Register("dispatcher", shutdown.Func(dispatcher.Close), shutdown.PhaseDispatch)
//	coord.RegisterFunc("bus", shutdown.PhaseResources, func(context.Context) error {
//		return msgBus.Close()
//	})
//
//	<-coord.Done()
//
// # Failure Handling
//
// A failing or panicking handler does not stop later phases unless
// Config.StopOnError is set. The returned error wraps ErrHandlerFailed and
// each handler's error. When the context expires, remaining phases are
// skipped and the error wraps ErrTimeout.
package shutdown
