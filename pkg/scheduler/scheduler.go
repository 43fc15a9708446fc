// Package scheduler provides keyed single-shot timers. Scheduling a key that
// already has a pending timer replaces it, so at most one timer per key is
// ever pending.
package scheduler

import (
	"sync"
	"time"

	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
)

// Scheduler runs a function once after a delay, keyed for cancellation
type Scheduler interface {
	// ScheduleOnce cancels any pending timer for key and schedules fn after delay
	ScheduleOnce(key string, delay time.Duration, fn func())
	// Cancel stops the pending timer for key and reports whether one existed
	Cancel(key string) bool
	// Pending returns the number of keys with a pending timer
	Pending() int
}

type timerEntry struct {
	timer      *time.Timer
	generation uint64
}

// TimerScheduler is backed by time.AfterFunc
type TimerScheduler struct {
	mu         sync.Mutex
	timers     map[string]*timerEntry
	generation uint64
	panics     *util.PanicHandler
}

// NewTimerScheduler creates a wall-clock scheduler
func NewTimerScheduler(logger *logrus.Logger) *TimerScheduler {
	return &TimerScheduler{
		timers: make(map[string]*timerEntry),
		panics: util.NewPanicHandler(logger),
	}
}

// ScheduleOnce implements Scheduler
func (s *TimerScheduler) ScheduleOnce(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
	}

	s.generation++
	gen := s.generation
	entry := &timerEntry{generation: gen}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current.generation != gen {
			// superseded between firing and acquiring the lock
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		defer s.panics.Recover("scheduler:" + key)
		fn()
	})
	s.timers[key] = entry
}

// Cancel implements Scheduler
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending implements Scheduler
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}
