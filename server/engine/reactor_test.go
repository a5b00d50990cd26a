package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReactor(t *testing.T, threads int) *Reactor {
	t.Helper()
	r, err := newReactor(threads, testLogger())
	require.NoError(t, err)
	r.Run()
	t.Cleanup(func() { _ = r.Stop(true) })
	return r
}

func Test_reactor_posts_run_on_workers(t *testing.T) {
	r := startReactor(t, 2)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		r.Post(func() {
			count.Add(1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted closures did not all run")
	}
	assert.Equal(t, int64(100), count.Load())
}

func Test_reactor_thread_multiplier_bounds(t *testing.T) {
	_, err := newReactor(0, testLogger())
	assert.Error(t, err)
	_, err = newReactor(65, testLogger())
	assert.Error(t, err)
}

func Test_reactor_stop_busy_when_held(t *testing.T) {
	r := startReactor(t, 1)
	r.Hold()
	assert.ErrorIs(t, r.Stop(false), ErrBusy)
	assert.True(t, r.Active())

	r.Unhold()
	require.NoError(t, r.Stop(false))
	assert.False(t, r.Active())
	assert.True(t, r.Stopped())
}

func Test_reactor_force_stop_ignores_hold(t *testing.T) {
	r := startReactor(t, 1)
	r.Hold()
	require.NoError(t, r.Stop(true))
	assert.False(t, r.Active())
}

func Test_reactor_reusable_and_reuse(t *testing.T) {
	r := startReactor(t, 1)
	assert.False(t, r.Reusable(), "an active reactor is not reusable")

	require.NoError(t, r.Stop(false))
	assert.True(t, r.Reusable())

	require.NoError(t, r.Reuse(2))
	assert.True(t, r.Active())
	assert.False(t, r.Stopped())

	// the rebuilt driver must actually run work
	ran := make(chan struct{})
	r.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("reused reactor did not run posted closure")
	}
}

func Test_reactor_not_reusable_with_attached_sessions(t *testing.T) {
	r := startReactor(t, 1)
	r.Ref()
	require.NoError(t, r.Stop(false))
	assert.False(t, r.Reusable())
	r.Deref()
	assert.True(t, r.Reusable())
}

func Test_reactor_counters(t *testing.T) {
	r := startReactor(t, 1)
	r.Ref()
	r.Ref()
	r.Hold()
	assert.Equal(t, 2, r.Refs())
	assert.Equal(t, 1, r.Holds())
	r.Deref()
	r.Deref()
	r.Unhold()
	assert.Equal(t, 0, r.Refs())
	assert.Equal(t, 0, r.Holds())
}

func Test_reactor_strands_only_when_multithreaded(t *testing.T) {
	single := startReactor(t, 1)
	assert.Nil(t, single.BorrowStrand())

	multi := startReactor(t, 4)
	s := multi.BorrowStrand()
	require.NotNil(t, s)
	multi.PutStrand(s)
}

func Test_reactor_post_after_stop_is_dropped(t *testing.T) {
	r := startReactor(t, 1)
	require.NoError(t, r.Stop(false))
	r.Post(func() { t.Error("closure ran on a stopped reactor") })
	time.Sleep(50 * time.Millisecond)
}
