package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size, maxSize int) *ReactorPool {
	t.Helper()
	p, err := NewReactorPool(size, maxSize, 1, testLogger())
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func Test_reactorpool_round_robin_holds(t *testing.T) {
	p := newTestPool(t, 2, 4)

	r1, id1 := p.GetRoundRobin()
	require.NotNil(t, r1)
	assert.Equal(t, 1, r1.Holds())

	r2, id2 := p.GetRoundRobin()
	require.NotNil(t, r2)
	assert.NotEqual(t, id1, id2, "round robin should move to the next reactor")

	r1.Unhold()
	r2.Unhold()
}

func Test_reactorpool_round_robin_skips_inactive(t *testing.T) {
	p := newTestPool(t, 2, 4)
	require.NoError(t, p.Deactivate(1))

	for i := 0; i < 4; i++ {
		r, id := p.GetRoundRobin()
		require.NotNil(t, r)
		assert.Equal(t, PoolID(0), id, "only reactor 0 is active")
		r.Unhold()
	}
}

func Test_reactorpool_deactivate_refusals(t *testing.T) {
	p := newTestPool(t, 2, 4)

	assert.Error(t, p.Deactivate(5), "bad index")
	require.NoError(t, p.Deactivate(1))
	assert.Error(t, p.Deactivate(1), "already inactive")
	assert.Error(t, p.Deactivate(0), "last active reactor must stay")
}

func Test_reactorpool_deactivate_busy_on_hold(t *testing.T) {
	p := newTestPool(t, 2, 4)
	r, _ := p.GetRoundRobin()
	idx := 0
	if got, _ := p.Reactor(0); got != r {
		idx = 1
	}
	assert.ErrorIs(t, p.Deactivate(idx), ErrBusy)
	r.Unhold()
	assert.NoError(t, p.Deactivate(idx))
}

func Test_reactorpool_add_reuses_deactivated(t *testing.T) {
	p := newTestPool(t, 2, 2)
	require.NoError(t, p.Deactivate(1))
	assert.Equal(t, 1, p.ActiveCount())

	// capacity is full, but the deactivated reactor is reusable
	require.NoError(t, p.Add(2))
	assert.Equal(t, 2, p.ActiveCount())
}

func Test_reactorpool_add_respects_reserved_capacity(t *testing.T) {
	p := newTestPool(t, 2, 2)
	assert.ErrorIs(t, p.Add(1), ErrPoolExhausted)
}

func Test_reactorpool_add_appends_within_capacity(t *testing.T) {
	p := newTestPool(t, 1, 3)
	require.NoError(t, p.Add(1))
	require.NoError(t, p.Add(1))
	assert.Equal(t, 3, p.ActiveCount())
	assert.ErrorIs(t, p.Add(1), ErrPoolExhausted)
}

func Test_reactorpool_contexts_info(t *testing.T) {
	p := newTestPool(t, 2, 4)
	infos := p.ContextsInfo()
	require.Len(t, infos, 2)
	assert.Equal(t, 0, infos[0].Index)
	assert.Equal(t, 1, infos[1].Index)
	assert.True(t, infos[0].Active)
	assert.Equal(t, 1, infos[0].Threads)
}
