// Package scheduler abstracts periodic timers behind an interface so that
// components driven by wall-clock intervals can be tested against a fake
// clock instead of real time.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// StopFunc cancels a scheduled periodic task. Calling it more than once is
// safe.
type StopFunc func()

// Scheduler runs a function on a fixed interval until stopped.
type Scheduler interface {
	SchedulePeriodic(interval time.Duration, fn func()) StopFunc
}

// Interval is the clockwork-backed Scheduler used in production and, with a
// fake clock, in tests.
type Interval struct {
	clock clockwork.Clock
}

// New creates a scheduler on the real clock.
func New() *Interval {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock creates a scheduler on the given clock.
func NewWithClock(clock clockwork.Clock) *Interval {
	return &Interval{clock: clock}
}

// Clock returns the scheduler's clock so callers can share it for timestamps
// and delays.
func (s *Interval) Clock() clockwork.Clock {
	return s.clock
}

// SchedulePeriodic runs fn every interval on a dedicated goroutine. The
// returned StopFunc stops the ticker and prevents further invocations; an
// invocation already in flight is allowed to finish.
func (s *Interval) SchedulePeriodic(interval time.Duration, fn func()) StopFunc {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
