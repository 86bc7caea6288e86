package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vinayprograms/presencekit/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration

	started atomic.Bool
	done    chan struct{}
	result  *Result
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	return &Coordinator{
		config: config,
		done:   make(chan struct{}),
	}
}

// Register adds a handler to run in the given phase.
func (c *Coordinator) Register(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers fn to run in the given phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, Func(fn), phase)
}

// Shutdown runs every phase in order and blocks until done or ctx expires.
// Only the first call runs the handlers; later calls return
// ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}

	start := time.Now()
	result := c.run(ctx)
	result.TotalDuration = time.Since(start)

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)

	c.config.Logger.Info("shutdown complete", map[string]interface{}{
		"duration": result.TotalDuration.String(),
		"failed":   len(result.FailedHandlers()),
	})
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM or SIGINT. The returned function
// stops listening for signals.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	quit := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}

	go func() {
		select {
		case sig := <-sigs:
			c.config.Logger.Info("signal received, shutting down", map[string]interface{}{
				"signal": sig.String(),
			})
			c.ShutdownWithTimeout(0)
		case <-quit:
		case <-c.done:
		}
		stop()
	}()

	return stop
}

// Trigger starts shutdown in the background as if a signal had arrived.
func (c *Coordinator) Trigger() {
	go c.ShutdownWithTimeout(0)
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error. Only valid after Done() is closed.
func (c *Coordinator) Err() error {
	if r := c.Result(); r != nil {
		return r.Err
	}
	return nil
}

// Result returns the detailed shutdown result, or nil before completion.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}

// run executes the phases in order.
func (c *Coordinator) run(ctx context.Context) *Result {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}
	var errs []error
	failed := false

	groups := groupByPhase(handlers)
	for i, group := range groups {
		if ctx.Err() != nil {
			skipped := 0
			for _, g := range groups[i:] {
				skipped += len(g)
			}
			c.config.Logger.Warn("shutdown timed out", map[string]interface{}{
				"phase":   group[0].phase,
				"skipped": skipped,
			})
			errs = append(errs, ErrTimeout)
			break
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Handlers = append(result.Handlers, hr)
			if hr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", hr.Name, hr.Err))
				failed = true
			}
		}
		if failed && c.config.StopOnError {
			break
		}
	}

	if failed {
		errs = append([]error{ErrHandlerFailed}, errs...)
	}
	result.Err = errors.Join(errs...)
	return result
}

// runPhase runs all handlers in a phase concurrently.
func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := invoke(ctx, r.handler)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			fields := map[string]interface{}{
				"handler":  hr.Name,
				"phase":    hr.Phase,
				"duration": hr.Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.config.Logger.Error("shutdown handler failed", fields)
			} else {
				c.config.Logger.Debug("shutdown handler done", fields)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// invoke calls the handler, converting a panic into an error.
func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase groups handlers, already sorted by phase, into phases.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for _, h := range handlers {
		n := len(groups)
		if n > 0 && groups[n-1][0].phase == h.phase {
			groups[n-1] = append(groups[n-1], h)
			continue
		}
		groups = append(groups, []registration{h})
	}
	return groups
}
