// Package schedule runs timers keyed by purpose. Starting a task under a
// purpose replaces whatever ran under it before, and cancelling is idempotent.
package schedule

import (
	"sync"
	"time"
)

// Purpose names a scheduled task.
type Purpose string

const (
	Heartbeat   Purpose = "heartbeat"
	AutoSync    Purpose = "autosync"
	Reconnect   Purpose = "reconnect"
	ScenePush   Purpose = "scene_push"
	AutoConnect Purpose = "autoconnect"
)

type task struct {
	stop  chan struct{}
	timer *time.Timer
}

// Tasks holds at most one live task per purpose.
type Tasks struct {
	mu    sync.Mutex
	tasks map[Purpose]*task
}

// New creates an empty task set.
func New() *Tasks {
	return &Tasks{tasks: make(map[Purpose]*task)}
}

// Every runs fn every interval until cancelled. Any task already running
// under p is cancelled first.
func (t *Tasks) Every(p Purpose, interval time.Duration, fn func()) {
	tk := &task{stop: make(chan struct{})}

	t.mu.Lock()
	t.cancelLocked(p)
	t.tasks[p] = tk
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-tk.stop:
				return
			case <-ticker.C:
				// a tick can race with cancel; re-check before running
				select {
				case <-tk.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
}

// After runs fn once after delay unless cancelled first. Any task already
// running under p is cancelled first.
func (t *Tasks) After(p Purpose, delay time.Duration, fn func()) {
	tk := &task{stop: make(chan struct{})}

	t.mu.Lock()
	t.cancelLocked(p)
	t.tasks[p] = tk
	tk.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.tasks[p] != tk {
			t.mu.Unlock()
			return
		}
		delete(t.tasks, p)
		t.mu.Unlock()
		fn()
	})
	t.mu.Unlock()
}

// Cancel stops the task under p. It reports whether one was running.
func (t *Tasks) Cancel(p Purpose) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(p)
}

// Active reports whether a task is scheduled under p.
func (t *Tasks) Active(p Purpose) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[p]
	return ok
}

// CancelAll stops every task.
func (t *Tasks) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.tasks {
		t.cancelLocked(p)
	}
}

func (t *Tasks) cancelLocked(p Purpose) bool {
	tk, ok := t.tasks[p]
	if !ok {
		return false
	}
	delete(t.tasks, p)
	if tk.timer != nil {
		tk.timer.Stop()
	}
	close(tk.stop)
	return true
}
