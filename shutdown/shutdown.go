package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/presencekit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by presenced. Lower phases stop first; handlers within a
// phase stop concurrently.
const (
	// PhaseIngress stops accepting heartbeats and requests.
	PhaseIngress = 10

	// PhaseDispatch drains device mailboxes so accepted events are persisted.
	PhaseDispatch = 20

	// PhaseEgress stops timers and drains queued notifications.
	PhaseEgress = 30

	// PhaseResources closes hubs, bus, store and telemetry.
	PhaseResources = 40
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called when shutdown is initiated. ctx is cancelled
	// when the overall timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	// TotalDuration of the entire shutdown process.
	TotalDuration time.Duration

	// Handlers in the order their phases ran.
	Handlers []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed or the timeout was hit.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown.
	// Default: 30 seconds
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails. By default every
	// phase runs so resources are released even after a failure.
	StopOnError bool

	// Logger reports each handler as it completes. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
