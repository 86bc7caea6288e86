package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/dispatch"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/telemetry"
)

// Dispatcher applies device events. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, kind dispatch.EventKind) error
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Bus to consume heartbeats and timeout-checks from.
	Bus bus.MessageBus

	// Dispatcher receives every valid event.
	Dispatcher Dispatcher

	// MaxInFlight bounds concurrent Dispatch calls.
	// Default: 256
	MaxInFlight int

	// DispatchTimeout bounds each Dispatch call.
	// Default: 10 seconds
	DispatchTimeout time.Duration

	// Logger. Default: discard
	Logger *logging.Logger

	// Tracer. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Dispatcher == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultListenerConfig returns configuration with sensible defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		MaxInFlight:     256,
		DispatchTimeout: 10 * time.Second,
	}
}

// ListenerStats are cumulative listener counters.
type ListenerStats struct {
	Heartbeats    int64
	TimeoutChecks int64
	Invalid       int64
	Failed        int64
}

// Listener feeds bus events into a dispatcher.
type Listener struct {
	config ListenerConfig

	mu      sync.Mutex
	subs    []bus.Subscription
	running atomic.Bool
	doneCh  chan struct{}

	heartbeats    atomic.Int64
	timeoutChecks atomic.Int64
	invalid       atomic.Int64
	failed        atomic.Int64
}

// NewListener creates a listener. Call Start to begin consuming.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultListenerConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Listener{config: cfg}, nil
}

// Start subscribes to the heartbeat and timeout subjects.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrAlreadyStarted
	}

	hb, err := l.config.Bus.Subscribe(bus.SubjectHeartbeat)
	if err != nil {
		l.running.Store(false)
		return err
	}
	to, err := l.config.Bus.Subscribe(bus.SubjectTimeout)
	if err != nil {
		hb.Unsubscribe()
		l.running.Store(false)
		return err
	}

	l.mu.Lock()
	l.subs = []bus.Subscription{hb, to}
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx, hb.Messages(), to.Messages())
	return nil
}

// run consumes until both subscriptions close or ctx ends, then waits for
// in-flight dispatches.
func (l *Listener) run(ctx context.Context, heartbeats, timeouts <-chan *bus.Message) {
	defer close(l.doneCh)

	var g errgroup.Group
	g.SetLimit(l.config.MaxInFlight)
	defer g.Wait()

	for heartbeats != nil || timeouts != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-heartbeats:
			if !ok {
				heartbeats = nil
				continue
			}
			l.handle(ctx, &g, msg, dispatch.EventHeartbeat)
		case msg, ok := <-timeouts:
			if !ok {
				timeouts = nil
				continue
			}
			l.handle(ctx, &g, msg, dispatch.EventTimeoutCheck)
		}
	}
}

// handle decodes one message and dispatches it on the bounded group. Go
// blocks while MaxInFlight dispatches are running.
func (l *Listener) handle(ctx context.Context, g *errgroup.Group, msg *bus.Message, kind dispatch.EventKind) {
	var (
		id    string
		trace map[string]string
		err   error
	)
	if kind == dispatch.EventHeartbeat {
		var h *Heartbeat
		if h, err = Parse(msg.Data); err == nil {
			id, trace = h.DeviceID, h.Trace
		}
	} else {
		id, err = ParseDeviceID(msg.Data)
	}
	if err != nil {
		l.invalid.Add(1)
		l.config.Logger.Warn("invalid payload", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}

	if kind == dispatch.EventHeartbeat {
		l.heartbeats.Add(1)
	} else {
		l.timeoutChecks.Add(1)
	}

	// In-flight dispatches finish even when the listener is stopping.
	base := context.WithoutCancel(ctx)
	if len(trace) > 0 {
		base = telemetry.ExtractContext(base, propagation.MapCarrier(trace))
	}
	g.Go(func() error {
		ctx, span := l.config.Tracer.StartIngressSpan(base, msg.Subject)
		ctx, cancel := context.WithTimeout(ctx, l.config.DispatchTimeout)
		defer cancel()

		err := l.config.Dispatcher.Dispatch(ctx, id, kind)
		if err != nil {
			l.failed.Add(1)
		}
		telemetry.EndSpan(span, err)
		return nil
	})
}

// Stats returns cumulative counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Heartbeats:    l.heartbeats.Load(),
		TimeoutChecks: l.timeoutChecks.Load(),
		Invalid:       l.invalid.Load(),
		Failed:        l.failed.Load(),
	}
}

// Stop unsubscribes and waits for in-flight dispatches or ctx.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Swap(false) {
		return ErrNotStarted
	}

	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	done := l.doneCh
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
