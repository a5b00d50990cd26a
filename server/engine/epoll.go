// low level epoll plumbing for the reactor driver
package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// poller owns one epoll instance plus an eventfd used to interrupt
// epoll_wait when closures are posted or the reactor is being stopped.
type poller struct {
	epfd   int
	wakefd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{epfd: epfd, wakefd: wakefd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// add registers fd with no interests armed; arm enables them one-shot.
func (p *poller) add(fd int) error {
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// arm enables the given interest mask one-shot. The fd must be registered.
func (p *poller) arm(fd int, read, write bool) error {
	var events uint32 = unix.EPOLLONESHOT
	if read {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) del(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake makes the next (or current) epoll_wait return.
func (p *poller) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakefd, buf[:])
}

// drainWake consumes pending wakeups so the eventfd can signal again.
func (p *poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// wait blocks until events arrive, retrying on EINTR.
func (p *poller) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (p *poller) close() {
	unix.Close(p.epfd)
	unix.Close(p.wakefd)
}
