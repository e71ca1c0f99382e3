package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when cleanup does not finish in time.
var ErrShutdownTimeout = errors.New("shutdown timeout")

// GracefulShutdown runs registered cleanup functions when the kernel stops,
// for example reclaiming the address spaces of tasks that never exited.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a shutdown manager bounded by timeout.
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register adds fn to run on Shutdown.
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown runs every registered function concurrently and waits for them
// or the timeout. The list is cleared once every function has returned.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", Int("components", len(g.shutdownFn)))

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// started in reverse registration order
	errs := make([]error, len(g.shutdownFn))
	var wg sync.WaitGroup

	for i := len(g.shutdownFn) - 1; i >= 0; i-- {
		wg.Add(1)
		fn := g.shutdownFn[i]

		go func(idx int, shutdownFn func() error) {
			defer wg.Done()

			if err := shutdownFn(); err != nil {
				g.logger.Error("shutdown function failed", Int("index", idx), Err(err))
				errs[idx] = err
			}
		}(i, fn)
	}

	// Wait for all shutdown functions or timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.shutdownFn = g.shutdownFn[:0]
		g.logger.Info("graceful shutdown complete")
		return errors.Join(errs...)
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return ErrShutdownTimeout
	}
}
