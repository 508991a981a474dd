package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

// FiberApp is the part of *fiber.App the HTTP service drives.
type FiberApp interface {
	Listen(addr string) error
	ShutdownWithContext(ctx context.Context) error
}

type HTTPService struct {
	app             FiberApp
	addr            string
	shutdownTimeout time.Duration
}

func NewHTTPService(app FiberApp, addr string, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{app: app, addr: addr, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.app.Listen(h.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.app.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Registry is the part of the scheduler registry the service drives.
type Registry interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// SchedulerService starts the registry, and through it the job backend,
// and shuts both down when the tree stops.
type SchedulerService struct {
	registry        Registry
	shutdownTimeout time.Duration
}

func NewSchedulerService(registry Registry, shutdownTimeout time.Duration) *SchedulerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &SchedulerService{registry: registry, shutdownTimeout: shutdownTimeout}
}

func (s *SchedulerService) Serve(ctx context.Context) error {
	if err := s.registry.Start(); err != nil {
		if errors.Is(err, scheduler.ErrBackendClosed) {
			return suture.ErrDoNotRestart
		}
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.registry.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *SchedulerService) String() string { return "scheduler" }
