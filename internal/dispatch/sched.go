// Package dispatch implements the waiting pool, the dispatch countdown, and
// the group matcher for one channel.
package dispatch

import "time"

// Scheduler schedules a callback after a delay and returns a cancel func.
// The channel coordinator supplies an implementation that posts callbacks
// onto its event loop; tests supply a manual one.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(d time.Duration, fn func()) func()

// After implements Scheduler.
func (f SchedulerFunc) After(d time.Duration, fn func()) func() {
	return f(d, fn)
}

// Tasks is a table of cancellable scheduled tasks keyed by owner id, so
// cancellation is a lookup-and-remove instead of a captured timer handle.
// It is confined to one channel's event loop and carries no locking.
type Tasks struct {
	sched   Scheduler
	pending map[string]func()
}

// NewTasks creates an empty task table using the given scheduler.
func NewTasks(sched Scheduler) *Tasks {
	return &Tasks{sched: sched, pending: make(map[string]func())}
}

// Arm schedules fn under key, replacing any task already armed for the key.
func (t *Tasks) Arm(key string, d time.Duration, fn func()) {
	t.Cancel(key)
	cancel := t.sched.After(d, func() {
		delete(t.pending, key)
		fn()
	})
	t.pending[key] = cancel
}

// Cancel discards the scheduled task for key. It reports whether a task
// was armed.
func (t *Tasks) Cancel(key string) bool {
	cancel, ok := t.pending[key]
	if !ok {
		return false
	}
	delete(t.pending, key)
	cancel()
	return true
}

// Armed reports whether a task is scheduled under key.
func (t *Tasks) Armed(key string) bool {
	_, ok := t.pending[key]
	return ok
}
