package server

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/loadsmith/loadsmith/internal/config"
	"github.com/loadsmith/loadsmith/server/engine"
)

// Manager creates servers and owns their lifetime. It is the single point
// of contact for the management surface: stats, reactor add/deactivate, and
// shutdown all go through it.
type Manager struct {
	mu      sync.Mutex
	servers map[int]AbstractServer
	next    int
	log     *engine.Logger
}

// NewManager returns an empty manager.
func NewManager(log *engine.Logger) *Manager {
	return &Manager{servers: make(map[int]AbstractServer), log: log}
}

// CreateServer builds a server for the given protocol factory, registers it
// under a dense handle, and starts its accept loop.
func CreateServer[P PooledConn](m *Manager, cfg *config.Config, factory func() P) (int, error) {
	srv, err := NewServer(cfg, factory, m.log)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	handle := m.next
	m.next++
	m.servers[handle] = srv
	m.mu.Unlock()
	srv.Dispatch()
	return handle, nil
}

// Server resolves a handle; an unknown handle is a caller fault surfaced as
// an error.
func (m *Manager) Server(handle int) (AbstractServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[handle]
	if !ok {
		return nil, fmt.Errorf("manager: invalid server handle %d", handle)
	}
	return srv, nil
}

func (m *Manager) all() []AbstractServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AbstractServer, 0, len(m.servers))
	for h := 0; h < m.next; h++ {
		if srv, ok := m.servers[h]; ok {
			out = append(out, srv)
		}
	}
	return out
}

// Stop stops one server.
func (m *Manager) Stop(handle int) error {
	srv, err := m.Server(handle)
	if err != nil {
		return err
	}
	srv.Stop()
	return nil
}

// StopAll stops every server.
func (m *Manager) StopAll() {
	for _, srv := range m.all() {
		srv.Stop()
	}
	m.log.Info().Log("all servers stopped")
}

// Wait joins every server's reactor threads.
func (m *Manager) Wait() {
	var g errgroup.Group
	for _, srv := range m.all() {
		g.Go(func() error {
			srv.Wait()
			return nil
		})
	}
	_ = g.Wait()
}

// ServersInfo snapshots every server's reactors.
func (m *Manager) ServersInfo() []engine.ServerInfo {
	var infos []engine.ServerInfo
	for _, srv := range m.all() {
		infos = append(infos, srv.Info())
	}
	return infos
}

// Stats snapshots every server's counters, draining session deltas.
func (m *Manager) Stats() []engine.StatsRecord {
	var records []engine.StatsRecord
	for _, srv := range m.all() {
		records = append(records, srv.Stats())
	}
	return records
}

// AddReactor grows the worker pool of one server.
func (m *Manager) AddReactor(handle, threads int) error {
	srv, err := m.Server(handle)
	if err != nil {
		return err
	}
	return srv.AddReactor(threads)
}

// DeactivateReactor drains one reactor of one server. The int is the
// reactor's stop status: 0 on success, EBUSY when a concurrent hold blocked
// the stop. Other failures (bad index, last active reactor) come back as
// errors.
func (m *Manager) DeactivateReactor(handle, index int) (int, error) {
	srv, err := m.Server(handle)
	if err != nil {
		return 0, err
	}
	err = srv.DeactivateReactor(index)
	if errors.Is(err, engine.ErrBusy) {
		return int(unix.EBUSY), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}
