package engine

import "sync"

// queueBufferPool recycles outgoing buffers across all sessions in the
// process. Unbounded and lazy; buffers keep their largest capacity across
// reuse so steady-state traffic stops allocating.
var queueBufferPool = NewPool[*DynamicString](PoolConfig[*DynamicString]{
	New:  func() *DynamicString { return NewDynamicString(0) },
	Name: "queue buffer pool",
})

// OutQueue is the FIFO of buffers waiting to be written on a session's
// socket. Only one buffer is in flight at a time; the rest wait here.
type OutQueue struct {
	mu sync.Mutex
	q  []*DynamicString
}

// Prepare borrows a buffer of capacity at least n from the shared pool.
// Pass it to Push, or hand it back with Free.
func (o *OutQueue) Prepare(n int) *DynamicString {
	d, _ := queueBufferPool.Borrow(0)
	d.Clear()
	d.Reserve(n)
	return d
}

// Free returns a buffer previously obtained from Prepare.
func (o *OutQueue) Free(d *DynamicString) {
	queueBufferPool.PutBack(d)
}

// Push appends d and reports whether the queue was idle before the push,
// i.e. whether the caller should start a write.
func (o *OutQueue) Push(d *DynamicString) (wasIdle bool) {
	o.mu.Lock()
	wasIdle = len(o.q) == 0
	o.q = append(o.q, d)
	o.mu.Unlock()
	return wasIdle
}

// Front is the buffer currently being written.
func (o *OutQueue) Front() *DynamicString {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.q) == 0 {
		return nil
	}
	return o.q[0]
}

// Pop drops the front buffer after its write completed.
func (o *OutQueue) Pop() {
	o.mu.Lock()
	if len(o.q) > 0 {
		o.q = o.q[1:]
	}
	o.mu.Unlock()
}

// Clear drops all queued buffers, used on write errors.
func (o *OutQueue) Clear() {
	o.mu.Lock()
	o.q = nil
	o.mu.Unlock()
}

func (o *OutQueue) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.q)
}

func (o *OutQueue) Empty() bool { return o.Len() == 0 }
