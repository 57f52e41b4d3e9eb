// Package infra holds process-level plumbing shared by the daemon entrypoints.
package infra

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/taskweave/taskweave/internal/observability"
)

// ShutdownPhase orders teardown. Earlier phases run first.
type ShutdownPhase int

const (
	// PhaseIntake stops accepting new work: the HTTP listener and the
	// broker consumers.
	PhaseIntake ShutdownPhase = iota
	// PhaseConnections closes external connections (Postgres, Redis, AMQP).
	PhaseConnections
	// PhaseCleanup performs final cleanup.
	PhaseCleanup
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseConnections:
		return "connections"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs one component's teardown. Its context is cancelled
// when the handler's timeout expires.
type ShutdownFunc func(ctx context.Context) error

// ShutdownHandler is a registered teardown step.
type ShutdownHandler struct {
	Name    string
	Phase   ShutdownPhase
	Func    ShutdownFunc
	Timeout time.Duration // 0 means the coordinator default
}

// ShutdownResult records one handler's outcome.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Error    error
}

// ShutdownCoordinator runs registered handlers phase by phase; within a
// phase handlers run concurrently. Shutdown executes at most once.
type ShutdownCoordinator struct {
	mu             sync.Mutex
	handlers       [phaseCount][]ShutdownHandler
	defaultTimeout time.Duration
	logger         *observability.Logger
	once           sync.Once
	doneCh         chan struct{}
	shuttingDown   atomic.Bool
}

// NewShutdownCoordinator builds a coordinator with a per-handler default
// timeout.
func NewShutdownCoordinator(defaultTimeout time.Duration, logger *observability.Logger) *ShutdownCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &ShutdownCoordinator{
		defaultTimeout: defaultTimeout,
		logger:         logger,
		doneCh:         make(chan struct{}),
	}
}

// Register adds a teardown step.
func (c *ShutdownCoordinator) Register(handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler.Phase < 0 || handler.Phase >= phaseCount {
		handler.Phase = PhaseCleanup
	}
	c.handlers[handler.Phase] = append(c.handlers[handler.Phase], handler)
}

// RegisterFunc registers a bare function.
func (c *ShutdownCoordinator) RegisterFunc(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.Register(ShutdownHandler{Name: name, Phase: phase, Func: fn})
}

// OnSignal runs Shutdown when one of the signals arrives. The returned
// channel closes once teardown finishes. With no signals given it watches
// SIGINT and SIGTERM.
func (c *ShutdownCoordinator) OnSignal(signals ...os.Signal) <-chan struct{} {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		c.logger.Info(context.Background(), "shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.defaultTimeout)
		defer cancel()
		c.Shutdown(ctx)
		close(done)
	}()
	return done
}

// Shutdown tears everything down in phase order.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) []ShutdownResult {
	var results []ShutdownResult
	c.once.Do(func() {
		c.shuttingDown.Store(true)
		close(c.doneCh)

		start := time.Now()
		c.logger.Info(ctx, "graceful shutdown started")

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()
			if len(handlers) == 0 {
				continue
			}
			results = append(results, c.runPhase(ctx, handlers)...)
			if ctx.Err() != nil {
				c.logger.Warn(ctx, "shutdown context expired", "phase", phase.String())
				break
			}
		}
		c.logger.Info(ctx, "graceful shutdown complete", "elapsed", time.Since(start).String())
	})
	return results
}

func (c *ShutdownCoordinator) runPhase(ctx context.Context, handlers []ShutdownHandler) []ShutdownResult {
	results := make([]ShutdownResult, len(handlers))
	var wg sync.WaitGroup
	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h ShutdownHandler) {
			defer wg.Done()
			results[idx] = c.runHandler(ctx, h)
		}(i, handler)
	}
	wg.Wait()
	return results
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, handler ShutdownHandler) ShutdownResult {
	result := ShutdownResult{Name: handler.Name, Phase: handler.Phase}
	start := time.Now()

	timeout := handler.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.Func(handlerCtx)
	}()

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Error = err
		if err != nil {
			c.logger.Warn(ctx, "shutdown handler failed",
				"handler", handler.Name, "phase", handler.Phase.String(), "error", err)
		}
	case <-handlerCtx.Done():
		result.Duration = time.Since(start)
		result.Error = handlerCtx.Err()
		c.logger.Warn(ctx, "shutdown handler timed out",
			"handler", handler.Name, "phase", handler.Phase.String(), "timeout", timeout.String())
	}
	return result
}

// IsShuttingDown reports whether Shutdown has begun.
func (c *ShutdownCoordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done closes when shutdown begins.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.doneCh
}
