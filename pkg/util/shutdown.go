// Package util holds process-level helpers for the companion command.
package util

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// GracefulShutdown releases registered resources one at a time in priority
// order, within a shared deadline.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []ShutdownResource
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownError reports the failure of one resource
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutdown error for %s: %v", e.Resource, e.Err)
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &GracefulShutdown{logger: logger, timeout: timeout}
}

// Register adds a resource to be shut down. Resources of equal priority keep
// their registration order.
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterFunc registers a shutdown step that ignores the context
func (gs *GracefulShutdown) RegisterFunc(name string, priority int, fn func() error) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error { return fn() },
	})
}

// Shutdown releases every resource. A resource that overruns the deadline is
// abandoned and the remaining ones are still attempted.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := append([]ShutdownResource(nil), gs.resources...)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var errs []error
	for _, res := range resources {
		if err := gs.release(shutdownCtx, res); err != nil {
			gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
			errs = append(errs, &ShutdownError{Resource: res.Name, Err: err})
			continue
		}
		gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) release(ctx context.Context, res ShutdownResource) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
