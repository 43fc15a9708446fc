package util

import (
	"context"
	"sync"
	"time"

	"callpilot/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskHandle tracks one supervised background task
type TaskHandle struct {
	ID   string
	Name string

	done chan struct{}
	err  error
}

// Wait blocks until the task finishes and returns its error
func (h *TaskHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// Done is closed when the task finishes
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task error; only meaningful after Done is closed
func (h *TaskHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Supervisor spawns background work that must never take down the caller.
// Panics and returned errors are logged and counted, and every task gets a
// handle that tests can wait on.
type Supervisor struct {
	logger *logrus.Logger
	panics *PanicHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor whose tasks share a cancellable base context
func NewSupervisor(logger *logrus.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger: logger,
		panics: NewPanicHandler(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a new goroutine and returns its handle
func (s *Supervisor) Go(name string, fields logrus.Fields, fn func(ctx context.Context) error) *TaskHandle {
	h := &TaskHandle{
		ID:   uuid.NewString(),
		Name: name,
		done: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)

		start := time.Now()
		h.err = s.panics.Guard(name, func() error {
			return fn(s.ctx)
		})

		entry := s.logger.WithFields(fields).WithFields(logrus.Fields{
			"task":     name,
			"task_id":  h.ID,
			"duration": time.Since(start),
		})
		if h.err != nil {
			entry.WithError(h.err).Warn("Background task failed")
			metrics.RecordTask(name, "failure")
			return
		}
		entry.Debug("Background task finished")
		metrics.RecordTask(name, "success")
	}()

	return h
}

// Wait blocks until every spawned task has finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels the base context and waits up to timeout for tasks to drain
func (s *Supervisor) Shutdown(timeout time.Duration) bool {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.logger.WithField("timeout", timeout).Warn("Background tasks still running at shutdown")
		return false
	}
}
