// Package ws owns the WebSocket transport: upgrading HTTP requests, tracking
// live connections, detecting read readiness through the poller, and handing
// complete frames to the message dispatcher. Everything above it deals in
// participant IDs; nothing above it touches a socket.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pairlink/signald/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket upgrades on /ws, registers the resulting
// connections with the poller, and fans ready connections out to a bounded
// worker pool for frame reads. It reports connect, message, and disconnect
// through callbacks; per-participant state lives with the hub.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	workers      chan struct{} // semaphore bounding concurrent frame reads
	onConnect    func(conn *Connection)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	upgradeGate  func(r *http.Request) bool // admission check before upgrade, nil allows all
	routes       map[string]http.Handler    // extra routes on the same listener
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine for every complete text frame a client sends.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		workers:   make(chan struct{}, config.WorkerPoolSize),
		onMessage: onMessage,
		routes:    make(map[string]http.Handler),
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is accepted
// and registered, before any of its messages are processed.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed,
// whatever the cause: read error, heartbeat timeout, or graceful close.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetUpgradeGate installs an admission check run before the WebSocket
// upgrade. Returning false rejects the request with 429.
func (s *Server) SetUpgradeGate(fn func(r *http.Request) bool) {
	s.upgradeGate = fn
}

// Handle registers an extra HTTP route on the same listener as /ws. Must be
// called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// Start creates the poller, launches the readiness loop and heartbeat, and
// blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	poller, err := NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = poller
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.httpServer = &http.Server{Addr: s.config.ListenAddr, Handler: mux}

	go s.pollLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade admits and upgrades one HTTP request to a WebSocket
// connection, then registers it with the manager and the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.upgradeGate != nil && !s.upgradeGate(r) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           connFD(conn),
		CreatedAt:    now,
		LastPing:     now,
		WriteTimeout: s.config.WriteTimeout,
	}

	// Register with the upper layers before the poller sees the descriptor:
	// a frame can arrive the instant the fd is polled, and its handler must
	// find the connection already known.
	s.conns.Add(c)
	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed for connection %s: %v", c.ID, err)
		if s.conns.Remove(c.ID) && s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("ws: new connection id=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.Count())
}

// pollLoop waits on the poller and hands each ready connection to a worker.
// The worker semaphore applies backpressure when all workers are busy.
func (s *Server) pollLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: poller wait error: %v", err)
			continue
		}

		for _, conn := range ready {
			conn := conn
			s.workers <- struct{}{}
			go func() {
				defer func() { <-s.workers }()
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads one frame from a ready connection. wsutil.NextReader is
// used so control frames are seen without blocking on a data frame that may
// never arrive. Read failures remove the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered polling can report the same connection to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report, not a dead peer; the
		// heartbeat is what declares connections dead.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves liveness.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection evicts a connection from the poller and the manager and
// closes it. Exported so the heartbeat can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Remove reports false when another goroutine already won the race
	// (read error vs heartbeat timeout); only the winner runs the cascade.
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections exposes the connection manager, used by the heartbeat sweep.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and poll loop, then closes every connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether a poll wait failed because a signal interrupted
// the syscall, which just means try again.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" || err.Error() == "errno 4"
}
