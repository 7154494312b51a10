package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery_RunsUntilCancelled(t *testing.T) {
	tasks := New()

	var runs atomic.Int32
	tasks.Every(Heartbeat, 5*time.Millisecond, func() { runs.Add(1) })

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, tasks.Active(Heartbeat))

	assert.True(t, tasks.Cancel(Heartbeat))
	assert.False(t, tasks.Active(Heartbeat))

	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), stopped+1, "task kept running after cancel")
}

func TestEvery_ReplacesExisting(t *testing.T) {
	tasks := New()
	defer tasks.CancelAll()

	var first, second atomic.Int32
	tasks.Every(AutoSync, 5*time.Millisecond, func() { first.Add(1) })
	tasks.Every(AutoSync, 5*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() >= 2 }, time.Second, time.Millisecond)
	firstRuns := first.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, firstRuns, first.Load(), "replaced task still running")
}

func TestAfter_FiresOnce(t *testing.T) {
	tasks := New()

	fired := make(chan struct{}, 2)
	tasks.After(Reconnect, 5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}
	assert.False(t, tasks.Active(Reconnect))

	select {
	case <-fired:
		t.Fatal("task fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAfter_CancelPreventsRun(t *testing.T) {
	tasks := New()

	var ran atomic.Bool
	tasks.After(Reconnect, 20*time.Millisecond, func() { ran.Store(true) })
	assert.True(t, tasks.Cancel(Reconnect))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCancel_Idempotent(t *testing.T) {
	tasks := New()
	assert.False(t, tasks.Cancel(AutoSync))

	tasks.Every(AutoSync, time.Hour, func() {})
	assert.True(t, tasks.Cancel(AutoSync))
	assert.False(t, tasks.Cancel(AutoSync))
}

func TestCancelAll(t *testing.T) {
	tasks := New()
	tasks.Every(Heartbeat, time.Hour, func() {})
	tasks.After(Reconnect, time.Hour, func() {})

	tasks.CancelAll()
	assert.False(t, tasks.Active(Heartbeat))
	assert.False(t, tasks.Active(Reconnect))
}
