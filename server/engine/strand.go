package engine

import "sync"

// Strand serialises closures for one session when its reactor runs more than
// one worker: closures posted through the same strand never run
// concurrently, regardless of which worker picks them up. Order is FIFO.
type Strand struct {
	r       *Reactor
	mu      sync.Mutex
	q       []func()
	running bool
}

func newStrand(r *Reactor) *Strand {
	return &Strand{r: r}
}

// Post enqueues fn; if no drain loop is scheduled, one is posted to the
// reactor. The drain loop runs queued closures one at a time, so wrapped
// callbacks of one session never overlap.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.q = append(s.q, fn)
	schedule := !s.running
	if schedule {
		s.running = true
	}
	s.mu.Unlock()
	if schedule {
		// a stopped reactor drops posted closures; drain inline so the
		// session's shutdown path still runs (the running flag keeps
		// mutual exclusion either way)
		if s.r.Stopped() {
			s.drain()
			return
		}
		s.r.Post(s.drain)
	}
}

func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.q[0]
		s.q = s.q[1:]
		s.mu.Unlock()
		fn()
	}
}

// Wrap turns a callback into one that executes through the strand.
func (s *Strand) Wrap(fn func()) func() {
	return func() { s.Post(fn) }
}
