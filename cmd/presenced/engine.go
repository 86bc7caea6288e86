package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vinayprograms/presencekit/bus"
	"github.com/vinayprograms/presencekit/config"
	"github.com/vinayprograms/presencekit/dispatch"
	"github.com/vinayprograms/presencekit/heartbeat"
	"github.com/vinayprograms/presencekit/logging"
	"github.com/vinayprograms/presencekit/notify"
	"github.com/vinayprograms/presencekit/presence"
	"github.com/vinayprograms/presencekit/scheduler"
	"github.com/vinayprograms/presencekit/shutdown"
	"github.com/vinayprograms/presencekit/state"
	"github.com/vinayprograms/presencekit/telemetry"
	"github.com/vinayprograms/presencekit/transport"
)

// engine is a fully wired presence service.
type engine struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  clock.Clock

	bus        bus.MessageBus
	store      state.Store
	scheduler  *scheduler.ClockScheduler
	publisher  *notify.BusPublisher
	dispatcher *dispatch.Dispatcher
	listener   *heartbeat.Listener

	sse    *transport.SSEHub
	ws     *transport.WebSocketHub
	server *transport.Server

	provider *telemetry.Provider
	events   telemetry.Exporter
	metrics  *telemetry.Metrics

	cancel context.CancelFunc
	coord  *shutdown.Coordinator
	fanout sync.WaitGroup
}

// newEngine builds every component from cfg. Nothing runs until start.
func newEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger, clk clock.Clock) (*engine, error) {
	if clk == nil {
		clk = clock.New()
	}
	e := &engine{cfg: cfg, logger: logger, clock: clk, metrics: telemetry.DefaultMetrics()}

	if err := e.initTelemetry(ctx); err != nil {
		e.closeResources()
		return nil, err
	}
	if err := e.initBusAndStore(ctx); err != nil {
		e.closeResources()
		return nil, err
	}

	e.scheduler = scheduler.New(e.bus, scheduler.Config{
		Clock:  clk,
		Logger: logger.WithComponent("scheduler"),
	})
	e.publisher = notify.NewBusPublisher(e.bus, notify.Config{
		QueueSize: cfg.Notify.QueueSize,
		Clock:     clk,
		Logger:    logger.WithComponent("notify"),
	})
	e.dispatcher = dispatch.New(state.NewDevices(e.store), dispatch.Config{
		OfflineAfter: cfg.OfflineAfter.Duration(),
		Clock:        clk,
		Scheduler:    e.scheduler,
		Publisher:    e.publisher,
		MailboxSize:  cfg.Dispatch.MailboxSize,
		IdleTimeout:  cfg.Dispatch.IdleTimeout.Duration(),
		Logger:       logger.WithComponent("dispatch"),
		Metrics:      e.metrics,
	})

	listener, err := heartbeat.NewListener(heartbeat.ListenerConfig{
		Bus:             e.bus,
		Dispatcher:      e.dispatcher,
		MaxInFlight:     cfg.Dispatch.MaxInFlight,
		DispatchTimeout: cfg.Dispatch.DispatchTimeout.Duration(),
		Logger:          logger.WithComponent("listener"),
	})
	if err != nil {
		e.closeResources()
		return nil, fmt.Errorf("listener: %w", err)
	}
	e.listener = listener

	if cfg.HTTP.Addr != "" {
		hubCfg := transport.Config{
			KeepAlive: cfg.HTTP.KeepAlive.Duration(),
			Logger:    logger.WithComponent("hub"),
		}
		e.sse = transport.NewSSEHub(hubCfg)
		e.ws = transport.NewWebSocketHub(hubCfg, nil)
		e.server = transport.NewServer(transport.ServerConfig{
			Addr: cfg.HTTP.Addr,
			API: transport.NewAPI(transport.APIConfig{
				Reader: e.dispatcher,
				Bus:    e.bus,
				Now:    clk.Now,
				Logger: logger.WithComponent("api"),
			}),
			SSE:       e.sse,
			WebSocket: e.ws,
			Logger:    logger.WithComponent("http"),
		})
	}

	return e, nil
}

func (e *engine) initTelemetry(ctx context.Context) error {
	tc := e.cfg.Telemetry
	if tc.Endpoint != "" {
		p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: version,
			Endpoint:       tc.Endpoint,
			Protocol:       tc.Protocol,
			Insecure:       tc.Insecure,
			SampleRatio:    tc.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		e.provider = p
	}

	events, err := telemetry.NewExporter(tc.EventsProtocol, tc.EventsEndpoint)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	e.events = events
	return nil
}

func (e *engine) initBusAndStore(ctx context.Context) error {
	var natsBus *bus.NATSBus

	switch e.cfg.Bus.Backend {
	case config.BackendNATS:
		nc := bus.DefaultNATSConfig()
		nc.URL = e.cfg.Bus.URL
		if e.cfg.Bus.Name != "" {
			nc.Name = e.cfg.Bus.Name
		}
		nc.BufferSize = e.cfg.Bus.BufferSize
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return err
		}
		natsBus = b
		e.bus = b
	default:
		e.bus = bus.NewMemoryBus(bus.Config{
			BufferSize: e.cfg.Bus.BufferSize,
			OnDrop:     e.busDropped,
		})
	}

	switch e.cfg.Store.Backend {
	case config.BackendNATS:
		if natsBus == nil {
			return fmt.Errorf("store backend nats requires the nats bus")
		}
		sc := state.DefaultNATSStoreConfig()
		sc.Conn = natsBus.Conn()
		sc.Bucket = e.cfg.Store.Bucket
		sc.Replicas = e.cfg.Store.Replicas
		s, err := state.NewNATSStore(ctx, sc)
		if err != nil {
			return err
		}
		e.store = s
	default:
		e.store = state.NewMemoryStore()
	}
	return nil
}

// busDropped reports a message the memory bus could not deliver. A lost
// timeout-check leaves its device looking online until the next heartbeat.
func (e *engine) busDropped(subject string) {
	e.metrics.BusDropped(context.Background(), subject)
	e.logger.Warn("bus dropped message", map[string]interface{}{"subject": subject})
}

// start recovers pending checks and begins consuming and serving.
func (e *engine) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	n, err := e.dispatcher.Recover(runCtx)
	if err != nil {
		e.logger.Warn("recovery incomplete", map[string]interface{}{
			"error":     err.Error(),
			"scheduled": n,
		})
	}

	sinks := []transport.Sink{eventLog{e.events}}
	if e.sse != nil {
		sinks = append(sinks, e.sse, e.ws)
	}
	fanLogger := e.logger.WithComponent("fanout")
	fan, err := transport.NewFanout(e.bus, fanLogger, sinks...)
	if err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	e.fanout.Add(1)
	go func() {
		defer e.fanout.Done()
		err := fan.Run(runCtx)
		if runCtx.Err() != nil {
			return
		}
		// Status changes no longer reach any sink.
		fields := map[string]interface{}{}
		if err != nil {
			fields["error"] = err.Error()
		}
		fanLogger.Error("fanout stopped, shutting down", fields)
		if e.coord != nil {
			e.coord.Trigger()
		}
	}()

	if err := e.listener.Start(runCtx); err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if e.server != nil {
		if err := e.server.Start(runCtx); err != nil {
			return err
		}
	}

	e.logger.Info("presence engine started", map[string]interface{}{
		"offline_after": e.cfg.OfflineAfter.String(),
		"bus":           e.cfg.Bus.Backend,
		"store":         e.cfg.Store.Backend,
		"http":          e.cfg.HTTP.Addr,
	})
	return nil
}

// register adds every component to coord in shutdown order.
func (e *engine) register(coord *shutdown.Coordinator) {
	e.coord = coord
	coord.Register("listener", shutdown.Func(e.listener.Stop), shutdown.PhaseIngress)
	if e.server != nil {
		coord.RegisterFunc("http", shutdown.PhaseIngress, func(ctx context.Context) error {
			// Streams only end when their hubs close.
			e.sse.Close()
			e.ws.Close()
			return e.server.Shutdown(ctx)
		})
	}

	coord.Register("dispatcher", shutdown.Func(e.dispatcher.Close), shutdown.PhaseDispatch)

	coord.RegisterFunc("scheduler", shutdown.PhaseEgress, func(context.Context) error {
		if n := e.scheduler.Stop(); n > 0 {
			e.logger.Info("discarded pending timeout-checks", map[string]interface{}{"pending": n})
		}
		return nil
	})
	coord.Register("notify", shutdown.Func(e.publisher.Close), shutdown.PhaseEgress)

	coord.RegisterFunc("resources", shutdown.PhaseResources, func(ctx context.Context) error {
		if e.cancel != nil {
			e.cancel()
		}
		e.fanout.Wait()
		return e.closeResources()
	})
	if e.provider != nil {
		coord.Register("telemetry", shutdown.Func(e.provider.Shutdown), shutdown.PhaseResources)
	}
}

// closeResources closes whatever has been opened so far.
func (e *engine) closeResources() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.events != nil {
		keep(e.events.Close())
	}
	if e.store != nil {
		keep(e.store.Close())
	}
	if e.bus != nil {
		keep(e.bus.Close())
	}
	return firstErr
}

// eventLog records every status notification in the telemetry event log.
type eventLog struct {
	exporter telemetry.Exporter
}

func (l eventLog) Broadcast(n presence.Notification) {
	telemetry.LogNotification(l.exporter, n)
}
