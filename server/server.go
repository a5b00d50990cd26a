// Package server owns the accept loop and the lifecycle of the reactor and
// session pools behind one listening address.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loadsmith/loadsmith/internal/config"
	"github.com/loadsmith/loadsmith/server/engine"
)

// PooledConn is the borrowable per-connection object: a protocol instance
// bound to its session.
type PooledConn interface {
	comparable
	Setup(r *engine.Reactor, fd int)
	SessionStart()
	SetFinalized(fn func())
	Finalize()
	StatsDelta() *engine.SessionStatsDelta
}

// AbstractServer is the protocol-agnostic server surface the Manager works
// with.
type AbstractServer interface {
	Stop()
	Wait()
	AddReactor(threads int) error
	DeactivateReactor(index int) error
	Info() engine.ServerInfo
	Stats() engine.StatsRecord
}

// Server accepts connections and hands each one to a pooled session on a
// round-robin reactor.
type Server[P PooledConn] struct {
	cfg     *config.Config
	workers *engine.ReactorPool
	// acceptorPool exists only with a separate acceptor thread; otherwise
	// the acceptor shares a worker reactor
	acceptorPool  *engine.ReactorPool
	acceptReactor *engine.Reactor
	sessions      *engine.Pool[P]
	listenFD      int

	// shutdownGuard keeps Stop from tearing the server down while an
	// accept registration or a session start is in progress
	shutdownGuard engine.TriggerGuard

	accepted atomic.Uint64
	stopOnce sync.Once
	log      *engine.Logger
}

// NewServer builds a server from cfg: reactor pools, session pool, and the
// listening socket. Dispatch starts the accept loop.
func NewServer[P PooledConn](cfg *config.Config, factory func() P, log *engine.Logger) (*Server[P], error) {
	workers, err := engine.NewReactorPool(
		cfg.Concurrency.NumWorkers,
		cfg.Concurrency.MaxNumWorkers,
		cfg.Concurrency.NumThreadsPerWorker,
		log,
	)
	if err != nil {
		return nil, err
	}

	s := &Server[P]{cfg: cfg, workers: workers, log: log, listenFD: -1}

	s.sessions = engine.NewPool[P](engine.PoolConfig[P]{
		MaxSize: cfg.Sessions.MaxSessionPoolSize,
		Eager:   cfg.Sessions.EagerSessionPool,
		Name:    "session pool",
		New: func() P {
			p := factory()
			// the finalize callback re-pools the session at the end
			// of its shutdown chain
			p.SetFinalized(func() { s.sessions.PutBack(p) })
			return p
		},
		Finalize: func(p P) { p.Finalize() },
	})

	if cfg.Listen.SeparateAcceptorThread {
		s.acceptorPool, err = engine.NewReactorPool(1, 1, 1, log)
		if err != nil {
			workers.Stop()
			return nil, err
		}
		s.acceptReactor, _ = s.acceptorPool.GetRoundRobin()
	} else {
		// the hold taken here is never released: the reactor hosting
		// the acceptor must not be deactivated
		s.acceptReactor, _ = s.workers.GetRoundRobin()
	}

	if err := s.listen(); err != nil {
		s.teardownPools()
		return nil, err
	}
	return s, nil
}

// listen opens, configures, binds and registers the listening socket.
func (s *Server[P]) listen() error {
	ip := net.ParseIP(s.cfg.Listen.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("server: bad listen ip %q", s.cfg.Listen.IP)
	}
	var addr [4]byte
	copy(addr[:], ip.To4())

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if s.cfg.Listen.ReuseAddress {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return err
		}
	}
	if s.cfg.Networking.SocketCloseLinger {
		linger := &unix.Linger{Onoff: 1, Linger: int32(s.cfg.Networking.SocketCloseLingerTimeout)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
			unix.Close(fd)
			return err
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(s.cfg.Listen.Port), Addr: addr}); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return err
	}
	if err := s.acceptReactor.RegisterFD(fd); err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFD = fd
	return nil
}

// Dispatch round-robin-selects a reactor for the next connection (holding
// it) and registers the accept. Returns immediately; the accept completion
// recurses into the next Dispatch.
func (s *Server[P]) Dispatch() {
	r, id := s.workers.GetRoundRobin()
	if r == nil {
		return
	}
	release, ok := s.shutdownGuard.Acquire()
	if !ok {
		r.Unhold()
		return
	}
	defer release()
	s.acceptReactor.AsyncRead(s.listenFD, func() { s.onAcceptReady(r, id) })
}

// onAcceptReady accepts one connection and mounts a pooled session on the
// pre-selected reactor, then schedules the next accept.
func (s *Server[P]) onAcceptReady(r *engine.Reactor, id engine.PoolID) {
	release, ok := s.shutdownGuard.Acquire()
	if !ok {
		return
	}
	defer release()

	nfd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EINTR {
		// spurious readiness; keep the reactor held and wait again
		s.acceptReactor.AsyncRead(s.listenFD, func() { s.onAcceptReady(r, id) })
		return
	}

	if err == nil {
		if p, borrowed := s.sessions.Borrow(id); borrowed {
			p.Setup(r, nfd)
			p.SessionStart()
			s.accepted.Add(1)
		} else {
			// bounded pool exhausted: drop the just-accepted socket,
			// the reactor hold still has to be released
			unix.Close(nfd)
			r.Unhold()
			s.log.Warning().Log("session pool exhausted, connection dropped")
		}
	} else {
		r.Unhold()
		s.log.Info().Err(err).Log("accept failed")
	}

	s.Dispatch()
}

// AddReactor grows the worker pool, reusing a deactivated reactor when one
// is available.
func (s *Server[P]) AddReactor(threads int) error {
	return s.workers.Add(threads)
}

// DeactivateReactor drains one worker reactor out of rotation.
func (s *Server[P]) DeactivateReactor(index int) error {
	return s.workers.Deactivate(index)
}

// RecoverSessions finalizes sessions stranded on the reactor with the given
// handle, returning them to the pool.
func (s *Server[P]) RecoverSessions(reactorIndex int) {
	s.sessions.Recover(engine.PoolID(reactorIndex))
}

// Stop trips the shutdown guard, closes the listener and stops the reactor
// pools. Idempotent.
func (s *Server[P]) Stop() {
	s.stopOnce.Do(func() {
		s.shutdownGuard.Trigger()
		if s.listenFD >= 0 {
			s.acceptReactor.DeregisterFD(s.listenFD)
			unix.Close(s.listenFD)
			s.listenFD = -1
		}
		s.teardownPools()
		s.log.Info().Log("workers pool stopped")
	})
}

func (s *Server[P]) teardownPools() {
	if s.acceptorPool != nil {
		s.acceptorPool.Stop()
	}
	s.workers.Stop()
}

// Wait joins every reactor thread of the server.
func (s *Server[P]) Wait() {
	if s.acceptorPool != nil {
		s.acceptorPool.Wait()
	}
	s.workers.Wait()
}

// Info snapshots the server's reactors for the management surface.
func (s *Server[P]) Info() engine.ServerInfo {
	return engine.ServerInfo{Contexts: s.workers.ContextsInfo()}
}

// Stats snapshots the server counters, draining the per-session deltas.
func (s *Server[P]) Stats() engine.StatsRecord {
	rec := engine.StatsRecord{
		TimestampMicros: time.Now().UnixMicro(),
		Accepted:        s.accepted.Load(),
		PoolTotal:       s.sessions.Size(),
		PoolInFlight:    s.sessions.InFlight(),
	}
	s.sessions.ForEach(func(p P) {
		d := p.StatsDelta()
		rec.TransactionsDelta += d.Transactions.Swap(0)
		rec.BytesReceivedDelta += d.BytesReceived.Swap(0)
		rec.BytesSentDelta += d.BytesSent.Swap(0)
	})
	return rec
}

// SessionPool exposes the pool for tests and recovery tooling.
func (s *Server[P]) SessionPool() *engine.Pool[P] { return s.sessions }

// Port is the bound listening port, which differs from the configured one
// when the config asked for an ephemeral port.
func (s *Server[P]) Port() uint16 {
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return 0
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return uint16(sa4.Port)
	}
	return 0
}
