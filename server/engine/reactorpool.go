package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ReactorPool holds a server's reactors in a slice reserved to its maximum
// size, so an index is a stable handle for a reactor's whole lifetime.
// Round-robin dispatch uses the shared side of the lock; add and deactivate
// take it exclusively.
type ReactorPool struct {
	mu       sync.RWMutex
	reactors []*Reactor
	// round-robin cursor; atomic because dispatch runs under the shared lock
	next    atomic.Uint64
	maxSize int
	log     *Logger
}

// ErrPoolExhausted is returned by Add when the reserved capacity is used up.
var ErrPoolExhausted = errors.New("engine: reactor pool at max size")

// NewReactorPool creates size running reactors, each with threads workers,
// reserving capacity for maxSize.
func NewReactorPool(size, maxSize, threads int, log *Logger) (*ReactorPool, error) {
	if size < 1 || maxSize < size {
		return nil, errors.New("engine: bad reactor pool sizing")
	}
	p := &ReactorPool{
		reactors: make([]*Reactor, 0, maxSize),
		maxSize:  maxSize,
		log:      log,
	}
	for i := 0; i < size; i++ {
		if err := p.Add(threads); err != nil {
			p.Stop()
			return nil, err
		}
	}
	return p, nil
}

// GetRoundRobin returns the next active reactor with its handle, holding it
// against deactivation. The caller must Unhold once its async registration
// is done. Inactive entries are skipped; nil is returned only when no
// reactor is active (the pool is shutting down).
func (p *ReactorPool) GetRoundRobin() (*Reactor, PoolID) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.reactors)
	for i := 0; i < n; i++ {
		idx := int(p.next.Add(1)-1) % n
		r := p.reactors[idx]
		if r.Active() {
			r.Hold()
			return r, PoolID(idx)
		}
	}
	return nil, 0
}

// Add reuses a deactivated reactor if one is available, otherwise appends a
// new one. Fails when the reserved capacity is exhausted.
func (p *ReactorPool) Add(threads int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.reactors {
		if r.Reusable() {
			return r.Reuse(threads)
		}
	}
	if len(p.reactors) == p.maxSize {
		return ErrPoolExhausted
	}
	r, err := newReactor(threads, p.log)
	if err != nil {
		return err
	}
	r.Run()
	p.reactors = append(p.reactors, r)
	return nil
}

// Deactivate stops the reactor at index. It refuses when the index is bad,
// the target is not active, or it is the only active reactor; a concurrent
// hold surfaces as ErrBusy.
func (p *ReactorPool) Deactivate(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.reactors) {
		return fmt.Errorf("engine: bad reactor index %d", index)
	}
	if !p.reactors[index].Active() {
		return fmt.Errorf("engine: reactor %d is not active", index)
	}
	if p.activeCountLocked() < 2 {
		return errors.New("engine: at least one reactor must stay active")
	}
	return p.reactors[index].Stop(false)
}

// ActiveCount is the number of reactors currently accepting sessions.
func (p *ReactorPool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeCountLocked()
}

func (p *ReactorPool) activeCountLocked() int {
	count := 0
	for _, r := range p.reactors {
		if r.Active() {
			count++
		}
	}
	return count
}

// Stop force-stops every reactor.
func (p *ReactorPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.reactors {
		_ = r.Stop(true)
	}
}

// Wait joins the threads of every reactor.
func (p *ReactorPool) Wait() {
	p.mu.RLock()
	reactors := append([]*Reactor(nil), p.reactors...)
	p.mu.RUnlock()
	for _, r := range reactors {
		r.Wait()
	}
}

// ContextsInfo snapshots every reactor for the management surface.
func (p *ReactorPool) ContextsInfo() []ContextInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	infos := make([]ContextInfo, 0, len(p.reactors))
	for i, r := range p.reactors {
		infos = append(infos, r.Info(i))
	}
	return infos
}

// Reactor returns the reactor at a stable handle, for tests and recovery.
func (p *ReactorPool) Reactor(index int) (*Reactor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.reactors) {
		return nil, fmt.Errorf("engine: bad reactor index %d", index)
	}
	return p.reactors[index], nil
}
