package util

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GracefulShutdown stops registered resources in priority order. Resources
// sharing a priority stop concurrently.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
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

// RegisterFunc registers a shutdown step that cannot fail
func (gs *GracefulShutdown) RegisterFunc(name string, priority int, fn func()) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			fn()
			return nil
		},
	})
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown stops every registered resource. It keeps going after failures
// and reports all of them.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var (
		errMu          sync.Mutex
		shutdownErrors []error
	)
	record := func(err error) {
		errMu.Lock()
		shutdownErrors = append(shutdownErrors, err)
		errMu.Unlock()
	}

	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}

		var group errgroup.Group
		for _, res := range resources[start:end] {
			res := res
			group.Go(func() error {
				if err := gs.stopOne(shutdownCtx, res); err != nil {
					record(err)
				}
				return nil
			})
		}
		_ = group.Wait()
		start = end
	}

	if len(shutdownErrors) > 0 {
		return &MultiShutdownError{Errors: shutdownErrors}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) stopOne(ctx context.Context, res ShutdownResource) (err error) {
	logger := gs.logger.WithField("resource", res.Name)
	if ctx.Err() != nil {
		logger.Warn("Shutdown deadline passed before resource was stopped")
		return &ShutdownTimeoutError{Resource: res.Name}
	}
	logger.Debug("Shutting down resource")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("Panic during resource shutdown")
				done <- &ShutdownPanicError{Resource: res.Name, Panic: r}
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Warn("Shutdown timeout for resource")
		return &ShutdownTimeoutError{Resource: res.Name}
	}

	if err != nil {
		if _, ok := err.(*ShutdownPanicError); ok {
			return err
		}
		logger.WithError(err).Error("Error shutting down resource")
		return &ShutdownError{Resource: res.Name, Err: err}
	}
	logger.Debug("Resource shut down successfully")
	return nil
}

// ShutdownError wraps the error a resource returned
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error { return e.Err }

type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return fmt.Sprintf("panic during shutdown of %s: %v", e.Resource, e.Panic)
}

type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors during shutdown, first: %v", len(e.Errors), e.Errors[0])
}

func (e *MultiShutdownError) Unwrap() []error { return e.Errors }
