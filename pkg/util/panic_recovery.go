package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicError is returned by guarded functions that panicked
type PanicError struct {
	Component string
	Value     interface{}
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.log(component, r, debug.Stack())
	}
}

// Guard runs fn and converts a panic into a *PanicError
func (ph *PanicHandler) Guard(component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			ph.log(component, r, stack)
			err = &PanicError{Component: component, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// WrapGoroutine wraps a goroutine function with panic recovery
func (ph *PanicHandler) WrapGoroutine(component string, fn func()) func() {
	return func() {
		defer ph.Recover(component)
		fn()
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go ph.WrapGoroutine(component, fn)()
}

func (ph *PanicHandler) log(component string, value interface{}, stack []byte) {
	if ph == nil || ph.logger == nil {
		return
	}

	var caller string
	if pc, file, line, ok := runtime.Caller(3); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": value,
		"caller":      caller,
		"stack_trace": string(stack),
	}).Error("Panic recovered")
}
