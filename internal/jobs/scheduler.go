package jobs

import "time"

// Scheduler runs a task once after a delay. The returned func cancels a task
// that has not started yet.
type Scheduler interface {
	After(d time.Duration, task func()) (cancel func())
}

// ClockScheduler schedules on wall-clock timers.
type ClockScheduler struct{}

func (ClockScheduler) After(d time.Duration, task func()) func() {
	timer := time.AfterFunc(d, task)
	return func() { timer.Stop() }
}
