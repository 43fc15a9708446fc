package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newManual() *ManualScheduler {
	return NewManualScheduler(util.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))
}

func TestManualScheduler_FiresOnceAfterDelay(t *testing.T) {
	s := newManual()
	fired := 0
	s.ScheduleOnce("call-1", 30*time.Second, func() { fired++ })

	assert.Equal(t, 0, s.Advance(29*time.Second))
	assert.Equal(t, 1, s.Advance(time.Second))
	assert.Equal(t, 0, s.Advance(time.Hour))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestManualScheduler_RescheduleReplaces(t *testing.T) {
	s := newManual()
	var first, second int
	s.ScheduleOnce("call-1", 30*time.Second, func() { first++ })
	s.Advance(20 * time.Second)
	s.ScheduleOnce("call-1", 30*time.Second, func() { second++ })

	s.Advance(15 * time.Second)
	assert.Equal(t, 0, first, "superseded timer never fires")
	assert.Equal(t, 0, second)

	s.Advance(15 * time.Second)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 0, s.Pending())
}

func TestManualScheduler_Cancel(t *testing.T) {
	s := newManual()
	fired := false
	s.ScheduleOnce("call-1", time.Second, func() { fired = true })

	assert.True(t, s.Cancel("call-1"))
	assert.False(t, s.Cancel("call-1"))
	s.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualScheduler_ClockAtDueTimeAndOrder(t *testing.T) {
	s := newManual()
	start := s.Clock().Now()
	var order []string
	var seenAt []time.Time

	s.ScheduleOnce("b", 20*time.Second, func() {
		order = append(order, "b")
		seenAt = append(seenAt, s.Clock().Now())
	})
	s.ScheduleOnce("a", 10*time.Second, func() {
		order = append(order, "a")
		seenAt = append(seenAt, s.Clock().Now())
	})

	s.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []time.Time{start.Add(10 * time.Second), start.Add(20 * time.Second)}, seenAt)
	assert.Equal(t, start.Add(time.Minute), s.Clock().Now())
}

func TestTimerScheduler_FiresAndCleansUp(t *testing.T) {
	s := NewTimerScheduler(newTestLogger())
	defer s.Stop()

	done := make(chan struct{})
	s.ScheduleOnce("call-1", 10*time.Millisecond, func() { close(done) })
	require.Equal(t, 1, s.Pending())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerScheduler_RescheduleAndCancel(t *testing.T) {
	s := NewTimerScheduler(newTestLogger())
	defer s.Stop()

	var fired int32
	for i := 0; i < 5; i++ {
		s.ScheduleOnce("call-1", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	}
	assert.Equal(t, 1, s.Pending())

	s.ScheduleOnce("call-2", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 100) })
	assert.True(t, s.Cancel("call-2"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestTimerScheduler_PanicInCallbackIsRecovered(t *testing.T) {
	s := NewTimerScheduler(newTestLogger())
	defer s.Stop()

	s.ScheduleOnce("call-1", time.Millisecond, func() { panic("boom") })
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
