package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestSupervisor_GoAndWait(t *testing.T) {
	s := NewSupervisor(newTestLogger())

	var ran int32
	h := s.Go("analysis", logrus.Fields{"call_id": "c-1"}, func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	require.NoError(t, h.Wait())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "analysis", h.Name)
}

func TestSupervisor_ErrorIsReportedNotPropagated(t *testing.T) {
	s := NewSupervisor(newTestLogger())
	boom := errors.New("webhook down")

	h := s.Go("webhook", nil, func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, h.Wait(), boom)
	assert.ErrorIs(t, h.Err(), boom)
}

func TestSupervisor_PanicIsRecovered(t *testing.T) {
	s := NewSupervisor(newTestLogger())

	h := s.Go("enhanced", nil, func(ctx context.Context) error {
		panic("nil map")
	})

	err := h.Wait()
	require.Error(t, err)

	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "enhanced", perr.Component)
	assert.Equal(t, "nil map", perr.Value)
}

func TestSupervisor_WaitAll(t *testing.T) {
	s := NewSupervisor(newTestLogger())

	var count int32
	for i := 0; i < 10; i++ {
		s.Go("task", nil, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&count, 1)
			return nil
		})
	}
	s.Wait()

	assert.Equal(t, int32(10), atomic.LoadInt32(&count))
}

func TestSupervisor_ShutdownCancelsContext(t *testing.T) {
	s := NewSupervisor(newTestLogger())

	h := s.Go("blocked", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.True(t, s.Shutdown(time.Second))
	assert.ErrorIs(t, h.Wait(), context.Canceled)
}

func TestTaskHandle_NilWait(t *testing.T) {
	var h *TaskHandle
	assert.NoError(t, h.Wait())
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())

	assert.IsType(t, RealClock{}, OrRealClock(nil))
	assert.Equal(t, c, OrRealClock(c))
}
