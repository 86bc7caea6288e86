// Package dispatch routes device events to presence entities.
//
// Each active device id is owned by exactly one mailbox goroutine. Events
// for that id are queued on its mailbox and applied strictly one after
// another; different ids run on different goroutines and only share the
// mailbox map lookup. A mailbox loads the device's state from the store when
// it starts, persists every change before replying, and retires after
// IdleTimeout without work.
//
// # Usage
//
//	d := dispatch.New(state.NewDevices(store), dispatch.Config{
//	    OfflineAfter: 20 * time.Second,
//	    Scheduler:    sched,
//	    Publisher:    pub,
//	})
//	defer d.Close(ctx)
//
//	err := d.Dispatch(ctx, "sensor-1", dispatch.EventHeartbeat)
//	snap, err := d.State(ctx, "sensor-1")
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // never seen
//	}
package dispatch
