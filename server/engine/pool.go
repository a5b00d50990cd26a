// object pooling for sessions, buffers and vm instructions
package engine

import (
	"sync"
)

// PoolID tags a borrowed item with the identity of its borrower, so leaked
// items can later be recovered per identity. Zero is the default identity.
type PoolID = uint64

// PoolIDFree marks an item that is currently sitting on the free stack.
const PoolIDFree = ^PoolID(0)

// PoolConfig wires the type-specific hooks into a Pool.
// New is required. Finalize is only needed when Recover is used.
type PoolConfig[T comparable] struct {
	// MaxSize bounds the total number of items; 0 means unbounded.
	MaxSize int
	// Eager preallocates MaxSize items at construction.
	// Eager with MaxSize == 0 is a programming fault.
	Eager bool
	New   func() T
	// Finalize is invoked on in-flight items by Recover.
	Finalize func(T)
	Name     string
}

// Pool is a reusable-instance cache with LIFO borrow order for cache
// affinity. All operations are mutex-protected; the statistics counters are
// atomic so they can be sampled without taking the pool lock.
type Pool[T comparable] struct {
	mu sync.Mutex
	// free is used as a stack: items are pushed and popped at the tail
	free []T
	// items maps every item ever created to its current owner identity,
	// PoolIDFree while pooled
	items map[T]PoolID
	// at most one borrower may be parked waiting for a put-back
	waiter func(T)
	cfg    PoolConfig[T]
	stats  PoolStats
}

// NewPool builds a pool from cfg. Panics if cfg is eager and unbounded, or
// has no New hook; both are programming faults.
func NewPool[T comparable](cfg PoolConfig[T]) *Pool[T] {
	if cfg.New == nil {
		panic("engine: pool requires a New hook")
	}
	if cfg.Eager && cfg.MaxSize == 0 {
		panic("engine: eager pool requires a max size")
	}
	p := &Pool[T]{
		items: make(map[T]PoolID),
		cfg:   cfg,
	}
	if cfg.Eager {
		for i := 0; i < cfg.MaxSize; i++ {
			v := p.create()
			p.items[v] = PoolIDFree
			p.free = append(p.free, v)
		}
	}
	return p
}

func (p *Pool[T]) create() T {
	v := p.cfg.New()
	p.stats.Total.Add(1)
	return v
}

// Borrow pops the most recently returned item, or creates a new one when the
// free stack is empty and the size limit allows. The second return is false
// when the pool is bounded and exhausted.
func (p *Pool[T]) Borrow(id PoolID) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryBorrow(id)
}

// BorrowAsync behaves like Borrow, but when nothing is available it parks cb
// as the pending waiter: the next PutBack hands its item to cb instead of
// pooling it. Installing a second waiter is a programming fault.
func (p *Pool[T]) BorrowAsync(cb func(T), id PoolID) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.tryBorrow(id); ok {
		return v, true
	}
	if p.waiter != nil {
		panic("engine: borrow on a pool that is already waiting")
	}
	p.waiter = cb
	var zero T
	return zero, false
}

func (p *Pool[T]) tryBorrow(id PoolID) (T, bool) {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.items[v] = id
		p.stats.InFlight.Add(1)
		return v, true
	}
	if p.cfg.MaxSize == 0 || int(p.stats.InFlight.Load()) < p.cfg.MaxSize {
		v := p.create()
		p.items[v] = id
		p.stats.InFlight.Add(1)
		return v, true
	}
	var zero T
	return zero, false
}

// PutBack returns an item to the pool, or delivers it straight to the
// pending waiter if one is parked. Returning an item that is already pooled
// is a programming fault. An item the pool has never seen is adopted.
func (p *Pool[T]) PutBack(v T) {
	p.mu.Lock()
	if cb := p.waiter; cb != nil {
		p.waiter = nil
		p.mu.Unlock()
		cb(v)
		return
	}
	owner, known := p.items[v]
	if known && owner == PoolIDFree {
		p.mu.Unlock()
		panic("engine: double put-back")
	}
	if known {
		p.stats.InFlight.Add(-1)
	} else {
		p.stats.Total.Add(1)
	}
	p.free = append(p.free, v)
	p.items[v] = PoolIDFree
	p.mu.Unlock()
}

// Recover finalizes every in-flight item tagged with id. It rescues sessions
// stranded on a reactor that was torn down before they finished.
func (p *Pool[T]) Recover(id PoolID) {
	if p.cfg.Finalize == nil {
		return
	}
	for _, v := range p.snapshot(id) {
		p.cfg.Finalize(v)
	}
}

func (p *Pool[T]) snapshot(id PoolID) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []T
	for v, owner := range p.items {
		if owner == id {
			out = append(out, v)
		}
	}
	return out
}

// ForEach visits every item managed by the pool, free or in-flight.
func (p *Pool[T]) ForEach(fn func(T)) {
	p.mu.Lock()
	all := make([]T, 0, len(p.items))
	for v := range p.items {
		all = append(all, v)
	}
	p.mu.Unlock()
	for _, v := range all {
		fn(v)
	}
}

// Size is the total number of items the pool has created or adopted.
func (p *Pool[T]) Size() int { return int(p.stats.Total.Load()) }

// InFlight is borrows minus put-backs.
func (p *Pool[T]) InFlight() int { return int(p.stats.InFlight.Load()) }
