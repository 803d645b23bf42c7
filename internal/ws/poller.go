//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollBatchSize bounds how many readiness events a single Wait call collects.
const pollBatchSize = 128

// Poller multiplexes read readiness across all client connections using
// Linux epoll. Registering descriptors with the kernel and reacting only to
// ready ones keeps the goroutine count flat regardless of how many idle
// participants are connected.
type Poller struct {
	epfd  int
	mu    sync.RWMutex
	byFd  map[int]net.Conn
	evbuf []unix.EpollEvent
}

// NewPoller creates an epoll instance via epoll_create1.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:  epfd,
		byFd:  make(map[int]net.Conn),
		evbuf: make([]unix.EpollEvent, pollBatchSize),
	}, nil
}

// Add puts a connection on the epoll interest list, watching for incoming
// data and hangups.
func (p *Poller) Add(conn net.Conn) error {
	fd := connFD(conn)
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	p.mu.Lock()
	p.byFd[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove takes a connection off the interest list and forgets its descriptor.
func (p *Poller) Remove(conn net.Conn) error {
	fd := connFD(conn)
	if err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.byFd, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection has data pending and
// returns the ready connections. Descriptors removed between the kernel
// reporting them and the map lookup are skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.evbuf, -1)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	p.mu.RLock()
	for i := 0; i < n; i++ {
		if conn, ok := p.byFd[int(p.evbuf[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.byFd = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// connFD pulls the raw file descriptor out of a net.Conn through
// SyscallConn. Unlike File(), this does not dup the descriptor, so the fd
// registered with epoll is the one the connection actually reads on.
func connFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(u uintptr) { fd = int(u) })
	return fd
}
