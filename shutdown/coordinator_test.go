package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestNewCoordinator_Defaults(t *testing.T) {
	c := NewCoordinator(Config{})
	if c.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.config.Timeout)
	}
	if c.Result() != nil {
		t.Error("Result should be nil before shutdown")
	}
	if c.Err() != nil {
		t.Error("Err should be nil before shutdown")
	}
}

func TestShutdown_SingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("listener", PhaseIngress, func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done should be closed")
	}

	result := coord.Result()
	if result == nil || len(result.Handlers) != 1 {
		t.Fatalf("Result = %+v, want one handler", result)
	}
	if result.Handlers[0].Name != "listener" || result.Handlers[0].Phase != PhaseIngress {
		t.Errorf("handler result = %+v", result.Handlers[0])
	}
	if result.Failed() {
		t.Error("Failed() should be false")
	}
}

func TestShutdown_PhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	// Registered out of order on purpose.
	coord.RegisterFunc("store", PhaseResources, record("store"))
	coord.RegisterFunc("notify", PhaseEgress, record("notify"))
	coord.RegisterFunc("listener", PhaseIngress, record("listener"))
	coord.RegisterFunc("dispatcher", PhaseDispatch, record("dispatcher"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"listener", "dispatcher", "notify", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, maxRunning atomic.Int32
	barrier := make(chan struct{})
	var arrived atomic.Int32

	handler := func(context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		if arrived.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
		case <-time.After(time.Second):
		}
		running.Add(-1)
		return nil
	}
	coord.RegisterFunc("sse", PhaseResources, handler)
	coord.RegisterFunc("ws", PhaseResources, handler)

	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if maxRunning.Load() != 2 {
		t.Errorf("max concurrent = %d, want 2", maxRunning.Load())
	}
}

func TestShutdown_ErrorsContinueByDefault(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	boom := errors.New("boom")

	ranLater := false
	coord.RegisterFunc("listener", PhaseIngress, func(context.Context) error { return boom })
	coord.RegisterFunc("store", PhaseResources, func(context.Context) error {
		ranLater = true
		return nil
	})

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("err = %v, want ErrHandlerFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, should wrap the handler error", err)
	}
	if !ranLater {
		t.Error("later phase should still run")
	}

	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "listener" {
		t.Errorf("FailedHandlers = %v, want [listener]", failed)
	}
}

func TestShutdown_StopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopOnError = true
	coord := NewCoordinator(cfg)

	ranLater := false
	coord.RegisterFunc("dispatcher", PhaseDispatch, func(context.Context) error { return errors.New("stuck") })
	coord.RegisterFunc("store", PhaseResources, func(context.Context) error {
		ranLater = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); err == nil {
		t.Fatal("expected error")
	}
	if ranLater {
		t.Error("later phase should be skipped with StopOnError")
	}
}

func TestShutdown_PanicBecomesError(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	coord.RegisterFunc("bad", PhaseEgress, func(context.Context) error {
		panic("kaboom")
	})

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("err = %v, want ErrHandlerFailed", err)
	}
}

func TestShutdown_TimeoutSkipsRemainingPhases(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	ranLater := false
	coord.RegisterFunc("slow", PhaseDispatch, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	coord.RegisterFunc("store", PhaseResources, func(context.Context) error {
		ranLater = true
		return nil
	})

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrHandlerFailed) {
		t.Errorf("err = %v, no handler failed", err)
	}
	if ranLater {
		t.Error("phase after timeout should not run")
	}
}

func TestShutdown_SecondCallRejected(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	release := make(chan struct{})
	coord.RegisterFunc("slow", PhaseIngress, func(context.Context) error {
		<-release
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- coord.ShutdownWithTimeout(time.Second) }()

	// Wait until the first shutdown is underway.
	deadline := time.Now().Add(time.Second)
	for !coord.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("shutdown did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := coord.Shutdown(context.Background()); err != ErrAlreadyShutdown {
		t.Errorf("second Shutdown = %v, want ErrAlreadyShutdown", err)
	}
	close(release)

	if err := <-first; err != nil {
		t.Errorf("first Shutdown = %v", err)
	}
	if err := coord.Shutdown(context.Background()); err != ErrAlreadyShutdown {
		t.Errorf("Shutdown after completion = %v, want ErrAlreadyShutdown", err)
	}
}

func TestShutdown_NoHandlers(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if err := coord.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v, want nil", err)
	}
	if coord.Result().TotalDuration < 0 {
		t.Error("TotalDuration should not be negative")
	}
}

func TestTrigger(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var called atomic.Bool
	coord.RegisterFunc("listener", PhaseIngress, func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(time.Second):
		t.Fatal("Trigger did not complete shutdown")
	}
	if !called.Load() {
		t.Error("handler was not called")
	}
}

func TestHandleSignals_StopIsIdempotent(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	stop := coord.HandleSignals()
	stop()
	stop()

	select {
	case <-coord.Done():
		t.Error("stopping signal handling must not shut down")
	case <-time.After(20 * time.Millisecond):
	}
}
