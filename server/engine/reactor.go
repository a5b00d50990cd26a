package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Logger is the process logging surface threaded through the engine.
type Logger = logiface.Logger[logiface.Event]

// ErrBusy is returned when a reactor cannot be stopped because an
// administrative hold is in progress.
var ErrBusy = errors.New("engine: reactor busy")

// ErrCanceled marks I/O aborted by shutdown. It is swallowed before reaching
// the protocol's OnError, so shutdowns do not read as transport failures.
var ErrCanceled = errors.New("engine: operation canceled")

const (
	minThreadsPerReactor = 1
	maxThreadsPerReactor = 64
)

// fdWatch is the per-descriptor completion state of a reactor. At most one
// read and one write interest may be armed at a time (the session's
// single-in-flight invariants guarantee that).
type fdWatch struct {
	onRead  func()
	onWrite func()
}

// Reactor is one I/O driver: a poller goroutine in epoll_wait feeding a jobs
// channel drained by N workers. Sessions attach to it (ref), administrative
// operations pin it briefly (hold), and it can be stopped and later reused
// with a different worker count.
type Reactor struct {
	mu       sync.Mutex
	poller   *poller
	watches  map[int]*fdWatch
	tasks    []func()
	jobs     chan func()
	quit     chan struct{}
	wg       sync.WaitGroup
	threads  int
	active   atomic.Bool
	stopped  atomic.Bool
	refCnt   atomic.Int64
	holdCnt  atomic.Int64
	strands  *Pool[*Strand]
	stranded bool // thread multiplier > 1, strands are handed out
	log      *Logger
}

// newReactor builds an unstarted reactor. Run starts it.
func newReactor(threads int, log *Logger) (*Reactor, error) {
	if threads < minThreadsPerReactor || threads > maxThreadsPerReactor {
		return nil, errors.New("engine: thread multiplier out of range")
	}
	r := &Reactor{threads: threads, log: log}
	if err := r.rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

// rebuild constructs a fresh driver: poller, watch table, channels, strand
// pool. Called at creation and after every stop so the reactor can be
// reused.
func (r *Reactor) rebuild() error {
	p, err := newPoller()
	if err != nil {
		return err
	}
	r.poller = p
	r.watches = make(map[int]*fdWatch)
	r.tasks = nil
	r.jobs = make(chan func(), 1024)
	r.quit = make(chan struct{})
	r.strands = NewPool[*Strand](PoolConfig[*Strand]{
		New:  func() *Strand { return newStrand(r) },
		Name: "strand pool",
	})
	r.stopped.Store(true)
	return nil
}

// Run marks the reactor active and starts the poller plus its workers. The
// poller plays the part of a work guard: it blocks in epoll_wait while idle,
// keeping the driver alive until Stop.
func (r *Reactor) Run() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runLocked()
}

func (r *Reactor) runLocked() {
	r.stranded = r.threads > 1
	r.active.Store(true)
	r.stopped.Store(false)
	jobs, quit, p := r.jobs, r.quit, r.poller
	r.wg.Add(1 + r.threads)
	go r.pollLoop(p, jobs, quit)
	for i := 0; i < r.threads; i++ {
		go r.worker(jobs)
	}
	r.log.Debug().Int("threads", r.threads).Log("reactor started")
}

func (r *Reactor) worker(jobs chan func()) {
	defer r.wg.Done()
	for fn := range jobs {
		fn()
	}
}

func (r *Reactor) pollLoop(p *poller, jobs chan func(), quit chan struct{}) {
	defer r.wg.Done()
	defer close(jobs)
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := p.wait(events)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == p.wakefd {
				p.drainWake()
				select {
				case <-quit:
					return
				default:
				}
				for _, fn := range r.takeTasks() {
					jobs <- fn
				}
				continue
			}
			for _, fn := range r.readyCallbacks(fd, ev.Events) {
				jobs <- fn
			}
		}
	}
}

func (r *Reactor) takeTasks() []func() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	return tasks
}

// readyCallbacks collects the completion callbacks fired by a readiness
// event and disarms them. Error and hangup conditions fire both directions
// so the pending operation observes the failure from the syscall itself.
func (r *Reactor) readyCallbacks(fd int, events uint32) []func() {
	const readMask = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP
	const writeMask = unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[fd]
	if w == nil {
		return nil
	}
	var out []func()
	if events&readMask != 0 && w.onRead != nil {
		out = append(out, w.onRead)
		w.onRead = nil
	}
	if events&writeMask != 0 && w.onWrite != nil {
		out = append(out, w.onWrite)
		w.onWrite = nil
	}
	r.armLocked(fd, w)
	return out
}

func (r *Reactor) armLocked(fd int, w *fdWatch) {
	_ = r.poller.arm(fd, w.onRead != nil, w.onWrite != nil)
}

// Post schedules a closure on the reactor's workers.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	if r.stopped.Load() {
		r.mu.Unlock()
		return
	}
	r.tasks = append(r.tasks, fn)
	p := r.poller
	r.mu.Unlock()
	p.wake()
}

// RegisterFD adds fd to the driver with no interests armed.
func (r *Reactor) RegisterFD(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Load() {
		return ErrCanceled
	}
	if err := r.poller.add(fd); err != nil {
		return err
	}
	r.watches[fd] = &fdWatch{}
	return nil
}

// DeregisterFD removes fd; pending completions are dropped.
func (r *Reactor) DeregisterFD(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.watches[fd]; w != nil {
		delete(r.watches, fd)
		r.poller.del(fd)
	}
}

// AsyncRead arms read interest; cb runs on a worker when fd is readable.
// A second in-flight read on the same fd is a programming fault.
func (r *Reactor) AsyncRead(fd int, cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[fd]
	if w == nil || r.stopped.Load() {
		return
	}
	if w.onRead != nil {
		panic("engine: concurrent reads on one descriptor")
	}
	w.onRead = cb
	r.armLocked(fd, w)
}

// AsyncWrite arms write interest; cb runs on a worker when fd is writable.
func (r *Reactor) AsyncWrite(fd int, cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches[fd]
	if w == nil || r.stopped.Load() {
		return
	}
	if w.onWrite != nil {
		panic("engine: concurrent writes on one descriptor")
	}
	w.onWrite = cb
	r.armLocked(fd, w)
}

// BorrowStrand hands out a serialisation strand, or nil when the reactor
// runs a single worker and serialisation is implicit.
func (r *Reactor) BorrowStrand() *Strand {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stranded {
		return nil
	}
	s, _ := r.strands.Borrow(0)
	return s
}

// PutStrand returns a strand to the local pool.
func (r *Reactor) PutStrand(s *Strand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strands.PutBack(s)
}

// Ref counts a session attaching to this reactor.
func (r *Reactor) Ref() { r.refCnt.Add(1) }

// Deref releases a session's attachment.
func (r *Reactor) Deref() {
	if r.refCnt.Add(-1) < 0 {
		panic("engine: reactor deref underflow")
	}
}

// Hold pins the reactor against deactivation during a transient setup step.
func (r *Reactor) Hold() { r.holdCnt.Add(1) }

// Unhold releases an administrative pin.
func (r *Reactor) Unhold() {
	if r.holdCnt.Add(-1) < 0 {
		panic("engine: reactor unhold underflow")
	}
}

// Refs is the number of currently attached sessions.
func (r *Reactor) Refs() int { return int(r.refCnt.Load()) }

// Holds is the number of administrative pins in progress.
func (r *Reactor) Holds() int { return int(r.holdCnt.Load()) }

// Active reports whether the reactor accepts new sessions.
func (r *Reactor) Active() bool { return r.active.Load() }

// Stopped reports whether the driver has quiesced. Sessions probe it after
// scheduling async work to catch the stop race.
func (r *Reactor) Stopped() bool { return r.stopped.Load() }

// Stop quiesces the driver: refuses with ErrBusy when held and not forced,
// otherwise drains, joins the poller and workers, and rebuilds a fresh
// unstarted driver so the reactor can be reused.
func (r *Reactor) Stop(force bool) error {
	r.mu.Lock()
	if r.holdCnt.Load() > 0 && !force {
		r.mu.Unlock()
		return ErrBusy
	}
	if r.stopped.Load() {
		r.mu.Unlock()
		return nil
	}
	r.active.Store(false)
	r.stopped.Store(true)
	old := r.poller
	close(r.quit)
	r.mu.Unlock()

	old.wake()
	r.wg.Wait()
	old.close()

	r.mu.Lock()
	if err := r.rebuild(); err != nil {
		// the reactor stays stopped; nothing to drive
		r.log.Err().Err(err).Log("reactor rebuild failed")
	}
	r.mu.Unlock()
	r.log.Debug().Log("reactor stopped")
	return nil
}

// Wait joins the poller and worker goroutines.
func (r *Reactor) Wait() { r.wg.Wait() }

// Reusable reports whether a deactivated reactor can be restarted: it must
// be inactive with no sessions still attached.
func (r *Reactor) Reusable() bool {
	return !r.active.Load() && r.refCnt.Load() == 0
}

// Reuse restarts a deactivated reactor with a new worker count.
func (r *Reactor) Reuse(threads int) error {
	if threads < minThreadsPerReactor || threads > maxThreadsPerReactor {
		return errors.New("engine: thread multiplier out of range")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = threads
	r.runLocked()
	return nil
}

// Info snapshots the reactor for the management surface.
func (r *Reactor) Info(index int) ContextInfo {
	return ContextInfo{
		Index:            index,
		Threads:          r.threads,
		ActiveSessions:   r.Refs(),
		StrandPoolSize:   r.strands.Size(),
		StrandPoolFlight: r.strands.InFlight(),
		Active:           r.active.Load(),
	}
}
