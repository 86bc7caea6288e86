package dispatch

import (
	"context"
	"time"

	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/presence"
)

// run owns one device id until it retires or the dispatcher closes.
func (d *Dispatcher) run(mb *mailbox) {
	defer d.wg.Done()

	ctx := context.Background()
	d.config.Metrics.MailboxDelta(ctx, 1)
	defer d.config.Metrics.MailboxDelta(ctx, -1)

	// The entity is loaded by the first request and dropped after any
	// failure so the next request starts again from the store.
	var dev *presence.Device

	idle := d.config.Clock.Timer(d.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-mb.requests:
			dev = d.handle(mb.id, dev, req)
			d.done(mb)
			idle.Reset(d.config.IdleTimeout)

		case <-idle.C:
			if d.retire(mb) {
				return
			}
			idle.Reset(d.config.IdleTimeout)

		case <-d.quit:
			d.drain(mb, dev)
			return
		}
	}
}

// drainPoll rechecks pending while draining, for routed requests whose
// sender gave up before handing them over.
const drainPoll = 10 * time.Millisecond

// drain applies the requests already routed to mb, then removes it.
func (d *Dispatcher) drain(mb *mailbox, dev *presence.Device) {
	poll := time.NewTicker(drainPoll)
	defer poll.Stop()

	for !d.retire(mb) {
		select {
		case req := <-mb.requests:
			dev = d.handle(mb.id, dev, req)
			d.done(mb)
		case <-poll.C:
		}
	}
}

// retire removes mb from the routing table if nothing is pending. Routing
// increments pending under the same lock, so no request can be sent to a
// retired mailbox.
func (d *Dispatcher) retire(mb *mailbox) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mb.pending > 0 {
		return false
	}
	if d.mailboxes[mb.id] == mb {
		delete(d.mailboxes, mb.id)
	}
	return true
}

func (d *Dispatcher) done(mb *mailbox) {
	d.mu.Lock()
	mb.pending--
	d.mu.Unlock()
}

// handle applies one request and replies. Returns the entity to keep for
// the next request.
func (d *Dispatcher) handle(deviceID string, dev *presence.Device, req request) (next *presence.Device) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r, deviceID)
			d.config.Logger.Error("panic applying event", map[string]interface{}{
				"device": deviceID,
				"error":  err.Error(),
			})
			select {
			case req.reply <- result{err: err}:
			default:
			}
			next = nil
		}
	}()

	ctx := req.ctx
	fresh := false

	if dev == nil {
		s, err := d.load(ctx, deviceID)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrCodeNotFound) && req.op != opRead:
			s = presence.DeviceState{ID: deviceID}
			fresh = true
		default:
			req.reply <- result{err: err}
			return nil
		}
		dev = presence.NewDevice(s, d.entity)
	}

	switch req.op {
	case opRead:
		snap := dev.Snapshot()
		req.reply <- result{snapshot: &snap}
		return dev

	case opHeartbeat:
		dev.OnHeartbeat()
		return d.persist(dev, req)

	case opTimeoutCheck:
		// A record is written even when the first event for an id is a
		// check, so existence always matches what was routed.
		if dev.OnTimeoutCheck() || fresh {
			return d.persist(dev, req)
		}
		req.reply <- result{}
		return dev
	}

	req.reply <- result{err: errors.New(errors.ErrCodeUnsupported, "unknown operation", errors.WithDeviceID(deviceID))}
	return dev
}

// persist saves the entity's state and replies. The side effects have
// already happened, so the save is not cut short by the caller giving up.
// On failure the cached entity is dropped so memory never runs ahead of
// the store.
func (d *Dispatcher) persist(dev *presence.Device, req request) *presence.Device {
	if err := d.devices.Save(context.WithoutCancel(req.ctx), dev.State()); err != nil {
		req.reply <- result{err: errors.Wrap(err, "save device state", errors.WithDeviceID(dev.ID()))}
		return nil
	}
	req.reply <- result{}
	return dev
}
