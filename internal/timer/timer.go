// Package timer provides a small cancellable scheduled-task abstraction
// shared by reconnect backoff, heartbeats, confirmation timeouts, typing
// windows and receipt flushing. Stopping an already-fired or already-stopped
// task is a no-op, never an error.
package timer

import (
	"sync"
	"time"
)

// Task is a single scheduled callback.
type Task struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// After schedules fn to run once after d.
func After(d time.Duration, fn func()) *Task {
	task := &Task{}
	task.t = time.AfterFunc(d, fn)
	return task
}

// Stop cancels the task if it has not fired yet. Safe on nil receivers and
// safe to call any number of times.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.t.Stop()
}

// Reset re-arms the task to fire after d, extending or reviving the window.
// Returns false if the task was explicitly stopped.
func (t *Task) Reset(d time.Duration) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.t.Reset(d)
	return true
}
