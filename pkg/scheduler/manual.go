package scheduler

import (
	"sort"
	"sync"
	"time"

	"callpilot/pkg/util"
)

type manualTask struct {
	key string
	due time.Time
	seq uint64
	fn  func()
}

// ManualScheduler fires timers only when Advance moves its fake clock past
// their due time. Callbacks run synchronously on the caller's goroutine.
type ManualScheduler struct {
	mu    sync.Mutex
	clock *util.FakeClock
	tasks map[string]*manualTask
	seq   uint64
}

// NewManualScheduler creates a scheduler driven by clock
func NewManualScheduler(clock *util.FakeClock) *ManualScheduler {
	return &ManualScheduler{
		clock: clock,
		tasks: make(map[string]*manualTask),
	}
}

// Clock returns the fake clock driving the scheduler
func (s *ManualScheduler) Clock() *util.FakeClock {
	return s.clock
}

// ScheduleOnce implements Scheduler
func (s *ManualScheduler) ScheduleOnce(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.tasks[key] = &manualTask{
		key: key,
		due: s.clock.Now().Add(delay),
		seq: s.seq,
		fn:  fn,
	}
}

// Cancel implements Scheduler
func (s *ManualScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[key]; !ok {
		return false
	}
	delete(s.tasks, key)
	return true
}

// Pending implements Scheduler
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Advance moves the clock forward by d, firing due timers in due order. The
// clock is set to each timer's due time before its callback runs, so
// callbacks may schedule further timers.
func (s *ManualScheduler) Advance(d time.Duration) int {
	target := s.clock.Now().Add(d)
	fired := 0

	for {
		next := s.popDue(target)
		if next == nil {
			break
		}
		if next.due.After(s.clock.Now()) {
			s.clock.Set(next.due)
		}
		next.fn()
		fired++
	}

	s.clock.Set(target)
	return fired
}

func (s *ManualScheduler) popDue(target time.Time) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*manualTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})

	next := due[0]
	delete(s.tasks, next.key)
	return next
}
