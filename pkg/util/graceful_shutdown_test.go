package util

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdownOrdersByPriority(t *testing.T) {
	gs := NewGracefulShutdown(newTestLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	step := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	gs.RegisterFunc("scheduler", 20, step("scheduler"))
	gs.RegisterFunc("http", 0, step("http"))
	gs.RegisterFunc("supervisor", 10, step("supervisor"))

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "supervisor", "scheduler"}, order)
}

func TestGracefulShutdownContinuesAfterFailures(t *testing.T) {
	gs := NewGracefulShutdown(newTestLogger(), time.Second)

	var closed atomic.Bool
	gs.Register(ShutdownResource{Name: "amqp", Priority: 0, Shutdown: func(context.Context) error {
		return stderrors.New("channel closed")
	}})
	gs.Register(ShutdownResource{Name: "broken", Priority: 1, Shutdown: func(context.Context) error {
		panic("boom")
	}})
	gs.RegisterFunc("redis", 2, func() { closed.Store(true) })

	err := gs.Shutdown(context.Background())

	var multi *MultiShutdownError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 2)
	var panicked *ShutdownPanicError
	assert.ErrorAs(t, err, &panicked)
	assert.Contains(t, err.Error(), "2 errors")
	assert.True(t, closed.Load())
}

func TestGracefulShutdownTimeout(t *testing.T) {
	gs := NewGracefulShutdown(newTestLogger(), 50*time.Millisecond)

	var closed atomic.Bool
	gs.Register(ShutdownResource{Name: "stuck", Priority: 0, Shutdown: func(context.Context) error {
		<-make(chan struct{})
		return nil
	}})
	gs.RegisterFunc("redis", 1, func() { closed.Store(true) })

	err := gs.Shutdown(context.Background())

	var timeout *ShutdownTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.False(t, closed.Load(), "resources after the deadline are skipped")
}
