package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_trigger_guard_acquire_before_trigger(t *testing.T) {
	var g TriggerGuard
	release, ok := g.Acquire()
	require.True(t, ok)
	release()
	g.Trigger()
	assert.True(t, g.Triggered())
}

func Test_trigger_guard_rejects_acquire_after_trigger(t *testing.T) {
	var g TriggerGuard
	g.Trigger()
	_, ok := g.Acquire()
	assert.False(t, ok)
}

func Test_trigger_guard_waits_for_releases(t *testing.T) {
	var g TriggerGuard
	release, ok := g.Acquire()
	require.True(t, ok)

	var triggered atomic.Bool
	done := make(chan struct{})
	go func() {
		g.Trigger()
		triggered.Store(true)
		close(done)
	}()

	// the trigger must not complete while the guard is held
	time.Sleep(50 * time.Millisecond)
	assert.False(t, triggered.Load())

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trigger did not complete after release")
	}
}

func Test_trigger_guard_double_trigger_is_a_fault(t *testing.T) {
	var g TriggerGuard
	g.Trigger()
	assert.Panics(t, func() { g.Trigger() })
}

func Test_once_flag_runs_once_per_cycle(t *testing.T) {
	var f OnceFlag
	count := 0
	f.RunOnce(func() { count++ })
	f.RunOnce(func() { count++ })
	assert.Equal(t, 1, count)

	f.Reset()
	f.RunOnce(func() { count++ })
	assert.Equal(t, 2, count)
}

func Test_once_flag_concurrent_runs_once(t *testing.T) {
	var f OnceFlag
	var count atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			f.RunOnce(func() { count.Add(1) })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	assert.Equal(t, int64(1), count.Load())
}
